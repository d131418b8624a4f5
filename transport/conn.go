package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// connBase carries the shutdown bookkeeping shared by every adapter: a
// cancel func for the reader context, a wait group for its goroutines, and
// a once guard so Close is idempotent.
type connBase struct {
	id     string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (c *connBase) init(cancel context.CancelFunc) {
	c.id = uuid.NewString()
	c.cancel = cancel
}

func (c *connBase) ID() string {
	return c.id
}

// shutdown cancels the reader, runs release, and waits for the goroutines.
func (c *connBase) shutdown(release func() error) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		if release != nil {
			err = release()
		}
		c.wg.Wait()
	})
	return err
}
