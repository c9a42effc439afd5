package flow

import (
	"slices"

	"github.com/yourorg/checkout-fallback/internal/payment"
)

// State names a node of the payment flow.
type State string

const (
	Idle           State = "idle"
	Starting       State = "starting"
	AfterStart     State = "afterStart"
	RequiresAction State = "requiresAction"
	Confirming     State = "confirming"
	AfterConfirm   State = "afterConfirm"
	Polling        State = "polling"
	FetchingStatus State = "fetchingStatus"
	AfterStatus    State = "afterStatus"
	Cancelling     State = "cancelling"
	Failed         State = "failed"
	Done           State = "done"
)

// Tags let observers classify a state without switching on its name.
const (
	TagIdle           = "idle"
	TagLoading        = "loading"
	TagReady          = "ready"
	TagError          = "error"
	TagRequiresAction = "requires_action"
	TagPolling        = "polling"
	TagDone           = "done"
)

var stateTags = map[State][]string{
	Idle:           {TagIdle},
	Starting:       {TagLoading},
	AfterStart:     {TagLoading},
	RequiresAction: {TagReady, TagRequiresAction},
	Confirming:     {TagLoading},
	AfterConfirm:   {TagLoading},
	Polling:        {TagReady, TagPolling},
	FetchingStatus: {TagLoading},
	AfterStatus:    {TagLoading},
	Cancelling:     {TagLoading},
	Failed:         {TagError},
	Done:           {TagReady, TagDone},
}

// allowedTransitions is the register handed to go-fsm. Every state change
// of a Machine is checked against it.
var allowedTransitions = map[string][]string{
	string(Idle):           {string(Starting)},
	string(Starting):       {string(AfterStart), string(Failed)},
	string(AfterStart):     {string(RequiresAction), string(Done), string(Polling)},
	string(RequiresAction): {string(Confirming), string(Cancelling), string(FetchingStatus)},
	string(Confirming):     {string(AfterConfirm), string(Failed)},
	string(AfterConfirm):   {string(RequiresAction), string(Done), string(Polling)},
	string(Polling):        {string(FetchingStatus), string(Cancelling)},
	string(FetchingStatus): {string(AfterStatus), string(Failed)},
	string(AfterStatus):    {string(Done), string(Polling)},
	string(Cancelling):     {string(Done), string(Failed)},
	string(Failed):         {string(Idle)},
	string(Done):           {string(Idle), string(FetchingStatus)},
}

// Context is the working memory of one attempt. Intent and Error are never
// both set.
type Context struct {
	ProviderID  string                `json:"provider_id,omitempty"`
	Request     *payment.Request      `json:"request,omitempty"`
	FlowContext payment.FlowContext   `json:"flow_context,omitempty"`
	Intent      *payment.Intent       `json:"intent,omitempty"`
	Error       *payment.PaymentError `json:"error,omitempty"`
}

// Snapshot is a read-only view of a Machine. Values reachable from it must
// not be modified.
type Snapshot struct {
	Value   State    `json:"value"`
	Context Context  `json:"context"`
	Tags    []string `json:"tags"`
}

// HasTag reports whether the snapshot's state carries tag.
func (s Snapshot) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// nextAfterAction picks the state that follows a start or confirm result.
func nextAfterAction(in *payment.Intent) State {
	switch {
	case payment.NeedsUserAction(in):
		return RequiresAction
	case in != nil && payment.IsFinal(in.Status):
		return Done
	default:
		return Polling
	}
}

// nextAfterStatus picks the state that follows a status result.
func nextAfterStatus(in *payment.Intent) State {
	if in != nil && payment.IsFinal(in.Status) {
		return Done
	}
	return Polling
}
