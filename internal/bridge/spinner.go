package bridge

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// frames is the animation shown while an AI invocation has produced no
// output yet.
var frames = spinner.Dot

// ticker drives one spinner animation. stop tears it down synchronously: no
// frame is delivered after stop returns.
type ticker struct {
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startTicker(frame func(string)) *ticker {
	t := &ticker{quit: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		tk := time.NewTicker(frames.FPS)
		defer tk.Stop()
		i := 0
		frame(frames.Frames[i])
		for {
			select {
			case <-t.quit:
				return
			case <-tk.C:
				i = (i + 1) % len(frames.Frames)
				frame(frames.Frames[i])
			}
		}
	}()
	return t
}

func (t *ticker) stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
		<-t.done
	})
}
