package strobe

import (
	"log/slog"
	"os"
	ossignal "os/signal" // rename so we can have function args named 'signal'
	"sync"
)

// CancelOnOS cancels final when the process receives any of the given OS signals. Forwarding stops
// once final finishes or the returned function is called, whichever happens first.
func CancelOnOS(final *Signal[struct{}], signals ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	ossignal.Notify(ch, signals...)

	stopCh := make(chan struct{})
	var once sync.Once

	go func() {
		defer ossignal.Stop(ch)

		select {
		case sig := <-ch:
			slog.Info("strobe: received OS signal, shutting down",
				"signal", sig.String(),
				"final", final.Name())
			_ = final.Cancel()
		case <-final.Done():
		case <-stopCh:
		}
	}()

	return func() {
		once.Do(func() { close(stopCh) })
	}
}
