package torrent

//torrentLocker parks the torrent's event loop so the goroutine holding it
//can safely touch torrent state. Not reentrant.
type torrentLocker struct {
	t *Torrent
	//the event loop blocks receiving from this chan until unlock
	ch chan struct{}
	//true if the torrent closed while trying to lock
	closed bool
}

func (l *torrentLocker) lock() {
	select {
	case l.t.lockRequestC <- l.ch:
	case <-l.t.closed:
		l.closed = true
	}
}

func (l *torrentLocker) unlock() {
	if l.closed {
		return
	}
	l.ch <- struct{}{}
}

func (t *Torrent) locker() *torrentLocker {
	return &torrentLocker{
		t:  t,
		ch: make(chan struct{}),
	}
}
