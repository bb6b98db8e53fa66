package security

import (
	"io"
	"net"
	"sync"
)

// Splice copies bytes between two connections in both directions and
// blocks until both sides are closed. Whichever direction ends first
// closes both connections, so the peer sees the disconnect promptly.
func Splice(a, b net.Conn) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		once.Do(closeBoth)
	}()
	wg.Wait()
}
