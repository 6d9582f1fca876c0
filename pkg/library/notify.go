package library

import (
	"sync"
	"time"
)

// DismissAfter is how long a notification or the celebration cue stays up.
const DismissAfter = 4 * time.Second

// Kind classifies a notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Notification is a short user-facing message.
type Notification struct {
	Kind    Kind
	Message string
}

// Event is delivered to listeners whenever the visible state changes.
type Event struct {
	Notification Notification
	// Visible is false when the notification was dismissed.
	Visible     bool
	Celebrating bool
}

type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Notifier shows one notification at a time and dismisses it automatically.
// A newer notification replaces the current one and restarts the timer.
type Notifier struct {
	mu          sync.Mutex
	delay       time.Duration
	schedule    scheduleFunc
	current     Notification
	visible     bool
	celebrating bool
	noteGen     uint64
	cueGen      uint64
	stopNote    func() bool
	stopCue     func() bool
	listeners   []func(Event)
}

// NewNotifier builds a notifier; a zero delay uses DismissAfter.
func NewNotifier(delay time.Duration) *Notifier {
	if delay <= 0 {
		delay = DismissAfter
	}
	return &Notifier{delay: delay, schedule: afterFunc}
}

// Listen registers fn for every change.
func (n *Notifier) Listen(fn func(Event)) {
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

func (n *Notifier) Success(msg string) { n.Notify(KindSuccess, msg) }
func (n *Notifier) Error(msg string)   { n.Notify(KindError, msg) }
func (n *Notifier) Info(msg string)    { n.Notify(KindInfo, msg) }

// Notify shows a message until the delay elapses or another message arrives.
func (n *Notifier) Notify(kind Kind, msg string) {
	n.mu.Lock()
	if n.stopNote != nil {
		n.stopNote()
	}
	n.noteGen++
	gen := n.noteGen
	n.current = Notification{Kind: kind, Message: msg}
	n.visible = true
	n.stopNote = n.schedule(n.delay, func() { n.dismiss(gen) })
	ev := n.eventLocked()
	n.mu.Unlock()
	n.emit(ev)
}

func (n *Notifier) dismiss(gen uint64) {
	n.mu.Lock()
	if gen != n.noteGen || !n.visible {
		n.mu.Unlock()
		return
	}
	n.visible = false
	ev := n.eventLocked()
	n.mu.Unlock()
	n.emit(ev)
}

// Celebrate raises the one-shot cue shown after a book is added.
func (n *Notifier) Celebrate() {
	n.mu.Lock()
	if n.stopCue != nil {
		n.stopCue()
	}
	n.cueGen++
	gen := n.cueGen
	n.celebrating = true
	n.stopCue = n.schedule(n.delay, func() { n.endCelebration(gen) })
	ev := n.eventLocked()
	n.mu.Unlock()
	n.emit(ev)
}

func (n *Notifier) endCelebration(gen uint64) {
	n.mu.Lock()
	if gen != n.cueGen || !n.celebrating {
		n.mu.Unlock()
		return
	}
	n.celebrating = false
	ev := n.eventLocked()
	n.mu.Unlock()
	n.emit(ev)
}

// Current returns the visible notification, if any.
func (n *Notifier) Current() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current, n.visible
}

// Celebrating reports whether the cue is up.
func (n *Notifier) Celebrating() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.celebrating
}

func (n *Notifier) eventLocked() Event {
	return Event{Notification: n.current, Visible: n.visible, Celebrating: n.celebrating}
}

func (n *Notifier) emit(ev Event) {
	n.mu.Lock()
	listeners := append([]func(Event){}, n.listeners...)
	n.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
