package ledger

// Notification is one committed event as delivered to subscribers.
type Notification struct {
	Seq   uint64      `json:"seq"`
	TxID  string      `json:"tx_id"`
	Event EventRecord `json:"event"`
}

// Subscribe registers a listener for committed events. Delivery never blocks the
// ledger: when the buffer is full the notification is dropped and counted. cancel
// closes the channel.
func (l *Ledger) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	l.subsMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subsMu.Unlock()

	cancel := func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (l *Ledger) publish(e Entry) {
	if len(e.Events) == 0 {
		return
	}
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ev := range e.Events {
		n := Notification{Seq: e.Seq, TxID: e.TxID, Event: ev}
		for _, ch := range l.subs {
			select {
			case ch <- n:
			default:
				l.stats.dropped.Add(1)
			}
		}
	}
}
