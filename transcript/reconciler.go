package transcript

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/karthikraju391/go-nats-chat-sync/logger"
	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// ErrUnresolvedParticipant is logged when a sender is missing from the
// participant map. The message is still kept and shown with Placeholder.
var ErrUnresolvedParticipant = errors.New("unresolved participant")

// Placeholder is the identity shown for unknown senders.
var Placeholder = models.Profile{FirstName: "Unknown", LastName: "user"}

type State int

const (
	Unseeded State = iota
	Seeding
	Ready
)

func (s State) String() string {
	switch s {
	case Unseeded:
		return "unseeded"
	case Seeding:
		return "seeding"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Origin records which stream first delivered a message.
type Origin int

const (
	Seeded Origin = iota
	Local
	Remote
)

// Entry is one rendered row: the message plus its resolved sender.
type Entry struct {
	models.Message
	Origin   Origin
	Sender   models.Profile
	Resolved bool
}

type item struct {
	msg    models.Message
	origin Origin
}

// Reconciler merges the initial history, optimistic local sends and pushed
// remote messages into one transcript ordered by CreatedAt, ties kept in
// insertion order. The message id is the idempotency key across all three.
//
// A Reconciler is not safe for concurrent use; its owner serialises calls.
type Reconciler struct {
	log          *zap.Logger
	state        State
	items        []item
	ids          map[string]struct{}
	participants map[string]models.Profile
	queue        []item
}

func New(log *zap.Logger) *Reconciler {
	return &Reconciler{
		log:          logger.OrNop(log).Named("transcript"),
		ids:          make(map[string]struct{}),
		participants: make(map[string]models.Profile),
	}
}

func (r *Reconciler) State() State { return r.state }

// BeginSeed marks the history fetch as in flight.
func (r *Reconciler) BeginSeed() {
	if r.state == Unseeded {
		r.state = Seeding
	}
}

// Seed replaces the transcript wholesale with the loaded history, moves to
// Ready, and replays appends that arrived before it in their original order.
func (r *Reconciler) Seed(messages []models.Message, participants map[string]models.Profile) []Entry {
	r.items = r.items[:0]
	r.ids = make(map[string]struct{}, len(messages))
	r.participants = make(map[string]models.Profile, len(participants))
	for id, p := range participants {
		r.participants[id] = p
	}

	for _, m := range messages {
		r.insert(m, Seeded)
	}
	r.state = Ready

	queued := r.queue
	r.queue = nil
	for _, it := range queued {
		r.insert(it.msg, it.origin)
	}
	if len(queued) > 0 {
		r.log.Debug("replayed queued appends", zap.Int("count", len(queued)))
	}
	return r.Entries()
}

// AppendLocal adds an optimistic send immediately under its client id.
func (r *Reconciler) AppendLocal(env models.Message) []Entry {
	return r.append(env, Local)
}

// AppendRemote adds a pushed message. If the id is already present (the
// server echoing our own send) the existing entry wins and this is dropped.
func (r *Reconciler) AppendRemote(msg models.Message) []Entry {
	return r.append(msg, Remote)
}

func (r *Reconciler) append(m models.Message, origin Origin) []Entry {
	if r.state != Ready {
		r.queue = append(r.queue, item{msg: m, origin: origin})
		return r.Entries()
	}
	r.insert(m, origin)
	return r.Entries()
}

func (r *Reconciler) insert(m models.Message, origin Origin) {
	if m.ID == "" {
		r.log.Warn("dropping message without id", zap.String("sender_id", m.SenderID))
		return
	}
	if _, dup := r.ids[m.ID]; dup {
		r.log.Debug("dropping duplicate message", zap.String("message_id", m.ID))
		return
	}
	if _, ok := r.participants[m.SenderID]; !ok {
		r.log.Debug("sender not in participants",
			zap.String("message_id", m.ID),
			zap.String("sender_id", m.SenderID),
			zap.Error(ErrUnresolvedParticipant))
	}

	// Upper bound keeps equal timestamps in arrival order.
	at := sort.Search(len(r.items), func(i int) bool {
		return r.items[i].msg.CreatedAt.After(m.CreatedAt)
	})
	r.items = append(r.items, item{})
	copy(r.items[at+1:], r.items[at:])
	r.items[at] = item{msg: m, origin: origin}
	r.ids[m.ID] = struct{}{}
}

// Entries returns a copy of the transcript in display order.
func (r *Reconciler) Entries() []Entry {
	out := make([]Entry, len(r.items))
	for i, it := range r.items {
		p, ok := r.participants[it.msg.SenderID]
		if !ok {
			p = Placeholder
		}
		out[i] = Entry{Message: it.msg, Origin: it.origin, Sender: p, Resolved: ok}
	}
	return out
}

func (r *Reconciler) Len() int { return len(r.items) }

// Queued is the number of appends waiting for Seed.
func (r *Reconciler) Queued() int { return len(r.queue) }

func (r *Reconciler) Contains(id string) bool {
	_, ok := r.ids[id]
	return ok
}

// Participant resolves a sender, falling back to Placeholder.
func (r *Reconciler) Participant(id string) (models.Profile, bool) {
	p, ok := r.participants[id]
	if !ok {
		return Placeholder, false
	}
	return p, true
}
