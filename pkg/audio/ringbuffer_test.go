package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa-kws/pkg/audio"
)

func seq(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from + i)
	}
	return out
}

func equalFloats(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (got %v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %v, want %v (full %v)", i, got[i], want[i], got)
		}
	}
}

func TestStreamBuffer_Capacity(t *testing.T) {
	t.Parallel()
	b := audio.NewStreamBuffer(16000, 3.0)
	if b.Cap() != 48000 {
		t.Errorf("Cap = %d, want 48000", b.Cap())
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestStreamBuffer_Push(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cap    int
		chunks [][]float32
		want   []float32
	}{
		{
			name:   "under capacity",
			cap:    8,
			chunks: [][]float32{seq(0, 3), seq(3, 2)},
			want:   seq(0, 5),
		},
		{
			name:   "exactly full",
			cap:    4,
			chunks: [][]float32{seq(0, 2), seq(2, 2)},
			want:   seq(0, 4),
		},
		{
			name:   "overflow evicts oldest",
			cap:    4,
			chunks: [][]float32{seq(0, 3), seq(3, 3)},
			want:   seq(2, 4),
		},
		{
			name:   "wraps repeatedly",
			cap:    5,
			chunks: [][]float32{seq(0, 3), seq(3, 3), seq(6, 3), seq(9, 1)},
			want:   seq(5, 5),
		},
		{
			name:   "oversized chunk keeps tail",
			cap:    4,
			chunks: [][]float32{seq(0, 2), seq(100, 10)},
			want:   seq(106, 4),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := audio.NewStreamBuffer(tt.cap, 1)
			for _, c := range tt.chunks {
				if err := b.Push(c); err != nil {
					t.Fatalf("Push: %v", err)
				}
			}
			equalFloats(t, b.Snapshot(), tt.want)
			if b.Len() > b.Cap() {
				t.Errorf("Len %d exceeds Cap %d", b.Len(), b.Cap())
			}
		})
	}
}

func TestStreamBuffer_EmptyChunk(t *testing.T) {
	t.Parallel()
	b := audio.NewStreamBuffer(4, 1)
	_ = b.Push(seq(0, 2))
	if err := b.Push(nil); !errors.Is(err, audio.ErrEmptyChunk) {
		t.Fatalf("err = %v, want ErrEmptyChunk", err)
	}
	equalFloats(t, b.Snapshot(), seq(0, 2))
}

func TestStreamBuffer_SnapshotIsCopy(t *testing.T) {
	t.Parallel()
	b := audio.NewStreamBuffer(4, 1)
	_ = b.Push(seq(0, 4))
	snap := b.Snapshot()
	snap[0] = 99
	equalFloats(t, b.Snapshot(), seq(0, 4))
}

func TestStreamBuffer_DurationAndReset(t *testing.T) {
	t.Parallel()
	b := audio.NewStreamBuffer(16000, 3.0)
	_ = b.Push(make([]float32, 8000))
	if got := b.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", got)
	}
	b.Reset()
	if b.Len() != 0 || b.Duration() != 0 {
		t.Errorf("after Reset: Len=%d Duration=%v", b.Len(), b.Duration())
	}
	_ = b.Push(seq(0, 3))
	equalFloats(t, b.Snapshot(), seq(0, 3))
}
