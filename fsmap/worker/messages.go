package worker

import "github.com/ZanzyTHEbar/fsmap/fsmap/types"

// RequestType names a caller to engine message.
type RequestType string

const (
	RequestObtain RequestType = "get.obtain"
	RequestQuery  RequestType = "get.query"
	RequestSet    RequestType = "set"
)

// Request is a message from the caller. Key correlates the response.
type Request struct {
	Type   RequestType          `json:"type"`
	Key    string               `json:"key"`
	Obtain []types.ObtainFilter `json:"obtain,omitempty"`
	Query  []types.QueryFilter  `json:"query,omitempty"`
	Sets   []SetChange          `json:"sets,omitempty"`
}

// SetAction is the operation of a changeset entry.
type SetAction string

const (
	SetInsert SetAction = "insert"
	SetDelete SetAction = "delete"
)

// SetChange applies one action to rows of one collection.
type SetChange struct {
	Collection string    `json:"collection"`
	Action     SetAction `json:"action"`
	Rows       []SetRow  `json:"rows"`
}

// SetRow is a record to write or remove. An insert without File gets a
// generated name; Data is saved as-is when it is a string, as indented JSON
// otherwise.
type SetRow struct {
	Path string `json:"path,omitempty"`
	File string `json:"file,omitempty"`
	Data any    `json:"data,omitempty"`
}

// MessageType names an engine to caller message.
type MessageType string

const (
	MessageError         MessageType = "message_error"
	MessageDebug         MessageType = "message_debug"
	MessageTrace         MessageType = "message_trace"
	MessageStateComplete MessageType = "state_complete"
	MessageObtain        MessageType = "get.obtain"
	MessageQuery         MessageType = "get.query"
	MessageStateChange   MessageType = "state_change"
)

// Message is sent by the engine. Which fields are set depends on Type.
type Message struct {
	Type    MessageType      `json:"type"`
	Key     string           `json:"key,omitempty"`
	Text    string           `json:"text,omitempty"`
	Rows    []CollectionRows `json:"rows,omitempty"`
	Changes []StateChange    `json:"changes,omitempty"`
	Sets    []SetResult      `json:"sets,omitempty"`
	Error   string           `json:"error,omitempty"`

	// Err keeps the error kind for in-process callers.
	Err error `json:"-"`
}

// CollectionRows is the result of one filter of a get request.
type CollectionRows struct {
	Collection string           `json:"collection"`
	Rows       []types.StateRow `json:"rows"`
}

// ChangeAction is the kind of an observed change.
type ChangeAction string

const (
	ChangeInsert ChangeAction = "insert"
	ChangeDelete ChangeAction = "delete"
)

// StateChange reports records observed inserted or deleted in a collection.
// Delete rows carry only path and file.
type StateChange struct {
	Action     ChangeAction     `json:"action"`
	Collection string           `json:"collection"`
	Rows       []types.StateRow `json:"rows"`
}

// SetResult reports a finished set request.
type SetResult struct {
	Key   string     `json:"key"`
	Error string     `json:"error,omitempty"`
	Rows  []RowError `json:"rows,omitempty"`

	Err error `json:"-"`
}

// RowError is a failure of a single row. Change and Row index the request's
// Sets and their Rows.
type RowError struct {
	Change int    `json:"change"`
	Row    int    `json:"row"`
	Path   string `json:"path"`
	File   string `json:"file"`
	Error  string `json:"error"`
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
