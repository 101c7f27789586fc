package bus

// Bounds and overflow policies, verbatim from SPEC_FULL.md §4.7.
const (
	boundAudioIn   = 24
	boundTextIn    = 64
	boundAPRSIn    = 64
	boundCtrl      = 16
	boundKeys      = 4
	boundAudioOut  = 24
	boundTextOut   = 64
	boundAPRSOut   = 64
	boundStatusOut = 128
)

// MessageBus is the full set of named queues one SessionState owns. Every
// queue is single-producer/single-consumer; multi-producer fan-in is
// forbidden in the core to keep per-superframe ordering simple (§5).
type MessageBus struct {
	AudioIn   *boundedQueue[AudioFrame]
	TextIn    *boundedQueue[Message]
	APRSIn    *boundedQueue[Message]
	Ctrl      *boundedQueue[Directive]
	Keys      *boundedQueue[KeyEvent]
	AudioOut  *boundedQueue[AudioFrame]
	TextOut   *boundedQueue[DeliveredMessage]
	APRSOut   *boundedQueue[DeliveredMessage]
	StatusOut *boundedQueue[StatusEvent]
}

// New constructs a MessageBus with the bounds and overflow policies the
// spec's table mandates.
func New() *MessageBus {
	return NewWithDepths(Depths{})
}

// Depths lets a caller override individual queue bounds (e.g. from
// config.BusConfig) without touching the overflow policies, which are
// fixed by the spec's table regardless of depth. A zero field keeps the
// spec's default bound.
type Depths struct {
	AudioIn, TextIn, APRSIn, Ctrl, Keys    int
	AudioOut, TextOut, APRSOut, StatusOut  int
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewWithDepths constructs a MessageBus like New, but with any non-zero
// field of d overriding that queue's default bound.
func NewWithDepths(d Depths) *MessageBus {
	return &MessageBus{
		AudioIn:   newBoundedQueue[AudioFrame](orDefault(d.AudioIn, boundAudioIn), Block),
		TextIn:    newBoundedQueue[Message](orDefault(d.TextIn, boundTextIn), DropOldest),
		APRSIn:    newBoundedQueue[Message](orDefault(d.APRSIn, boundAPRSIn), DropOldest),
		Ctrl:      newBoundedQueue[Directive](orDefault(d.Ctrl, boundCtrl), Block),
		Keys:      newBoundedQueue[KeyEvent](orDefault(d.Keys, boundKeys), Replace),
		AudioOut:  newBoundedQueue[AudioFrame](orDefault(d.AudioOut, boundAudioOut), DropOldest),
		TextOut:   newBoundedQueue[DeliveredMessage](orDefault(d.TextOut, boundTextOut), DropOldest),
		APRSOut:   newBoundedQueue[DeliveredMessage](orDefault(d.APRSOut, boundAPRSOut), DropOldest),
		StatusOut: newBoundedQueue[StatusEvent](orDefault(d.StatusOut, boundStatusOut), DropOldest),
	}
}

// Close tears down every queue. Called once during SessionState teardown.
func (b *MessageBus) Close() {
	b.AudioIn.Close()
	b.TextIn.Close()
	b.APRSIn.Close()
	b.Ctrl.Close()
	b.Keys.Close()
	b.AudioOut.Close()
	b.TextOut.Close()
	b.APRSOut.Close()
	b.StatusOut.Close()
}
