package guard

import (
	"context"
	"errors"
	"time"
)

func (e *Engine) markDirty() {
	if e.persistCh == nil {
		return
	}
	select {
	case e.persistCh <- struct{}{}:
	default:
	}
}

func (e *Engine) persistLoop() {
	defer e.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-e.persistStop:
			stopTimer()
			_ = e.persistNow(context.Background())
			return
		case <-e.persistCh:
			if timer == nil {
				timer = time.NewTimer(e.persistDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.persistDebounce)
			}
		case ack := <-e.persistFlush:
			stopTimer()
			err := e.persistNow(context.Background())
			if ack != nil {
				ack <- err
				close(ack)
			}
		case <-timerCh:
			stopTimer()
			_ = e.persistNow(context.Background())
		}
	}
}

var errStoreHeld = errors.New("state store held after a failed load")

func (e *Engine) persistNow(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if e.storeHeld.Load() {
		e.logf("WARN: persist state skipped: %v", errStoreHeld)
		return errStoreHeld
	}
	if err := e.store.SaveState(ctx, e.Snapshot()); err != nil {
		e.logf("persist state: %v", err)
		return err
	}
	return nil
}

// FlushState writes the current state now and waits for it.
func (e *Engine) FlushState(ctx context.Context) error {
	if e.store == nil || e.persistFlush == nil {
		return nil
	}
	ack := make(chan error, 1)
	select {
	case e.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the persist loop after a final write.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.persistStop != nil {
			close(e.persistStop)
		}
		e.persistWG.Wait()
	})
}
