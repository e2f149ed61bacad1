package cli

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestProgress(t *testing.T) {
	tests := []struct {
		name  string
		total int
		steps int
		err   error
		want  []string
		empty bool
	}{
		{name: "half way then done", total: 4, steps: 2, want: []string{"vhosts: 0/4 (0%)", "vhosts: 2/4 (50%)", "done in"}},
		{name: "steps past total are clamped", total: 2, steps: 5, want: []string{"vhosts: 2/2 (100%)"}},
		{name: "stopped by an error", total: 10, steps: 1, err: errors.New("disk full"), want: []string{"vhosts: error: disk full"}},
		{name: "empty batch", total: 0, steps: 0, empty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			p := NewProgress(buf, "vhosts")
			p.Start(tt.total)
			for i := 0; i < tt.steps; i++ {
				p.Step()
			}
			if tt.empty && buf.Len() != 0 {
				t.Errorf("output = %q, want none", buf.String())
			}
			p.Finish(tt.err)

			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output %q does not contain %q", buf.String(), want)
				}
			}
			if tt.err != nil && strings.Contains(buf.String(), "done in") {
				t.Error("failed batch reported done")
			}
		})
	}
}

func TestProgress_ConcurrentSteps(t *testing.T) {
	p := NewProgress(&bytes.Buffer{}, "x")
	p.Start(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Go(func() {
			for j := 0; j < 100; j++ {
				p.Step()
			}
		})
	}
	wg.Wait()

	if p.done != 1000 {
		t.Errorf("done = %d, want 1000", p.done)
	}
}

func TestNewProgress_NilWriter(t *testing.T) {
	if p := NewProgress(nil, "x"); p.w == nil {
		t.Error("writer should default to stderr")
	}
}
