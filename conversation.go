package plantchat

import (
	"time"

	"github.com/google/uuid"

	"github.com/leaf-labs/plantchat/api"
)

// State represents the conversation machine's current state.
type State int

const (
	// StateIdle — waiting for user input; the resting state.
	StateIdle State = iota
	// StateClassifying — an image classification request is in flight.
	StateClassifying
	// StateAwaitingSelection — classification produced candidates and the
	// user must pick one.
	StateAwaitingSelection
	// StateAwaitingAnswer — a question-answering request is in flight.
	StateAwaitingAnswer
	// StateError — the upstream is rejecting requests (circuit open); any
	// submit or reset leaves this state.
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClassifying:
		return "classifying"
	case StateAwaitingSelection:
		return "awaiting_selection"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Kind identifies a message's payload shape.
type Kind string

const (
	// KindText — payload is a string.
	KindText Kind = "text"
	// KindImage — payload is a single attachment name (string).
	KindImage Kind = "image"
	// KindMultiImage — payload is a []string of attachment names.
	KindMultiImage Kind = "multi_image"
	// KindClassificationResults — payload is []api.ClassificationResult.
	KindClassificationResults Kind = "classification_results"
	// KindSelectionConfirmation — payload is the chosen label (string).
	KindSelectionConfirmation Kind = "selection_confirmation"
)

// Message is one entry in the append-only conversation log, ordered by
// timestamp.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(sender Sender, kind Kind, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Text returns the payload as a string for text-like kinds, or "".
func (m Message) Text() string {
	s, _ := m.Payload.(string)
	return s
}

// ImageAttachment is one user-attached image. Name, size, and modification
// time form the image's cache identity.
type ImageAttachment struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Upload converts the attachment into the API client's upload form.
func (a ImageAttachment) Upload() api.Upload {
	return api.Upload{Name: a.Name, Data: a.Data}
}

// SubmitInput is one user turn: free text, attached images, or both. When
// both are present, classification runs first and the text is deferred as
// the pending question.
type SubmitInput struct {
	Text   string
	Images []ImageAttachment
}
