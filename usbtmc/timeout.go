package usbtmc

import "context"

// timeouter is the net.Error-style convention a transport error can
// implement to self-report as a timeout, distinct from any other
// transport failure.
type timeouter interface {
	Timeout() bool
}

func isTimeoutErr(err error) bool {
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// runWithDeadline runs fn — a blocking bulkWriter.Write or bulkReader.Read
// call — under ctx combined with i.timeout, whichever elapses first.
// *gousb.InEndpoint/*gousb.OutEndpoint have no native cancellation hook
// once a transfer is issued, so on deadline this returns (0, ErrTimeout)
// without waiting for fn; fn's goroutine is left to finish (or fail)
// against libusb's own transfer timeout in the background.
func (i *Instrument) runWithDeadline(ctx context.Context, fn func() (int, error)) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := fn()
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ErrTimeout
	}
}
