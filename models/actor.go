package models

// Actor is the identity initiating an action. Supplied per request by the
// host request layer and never mutated.
type Actor struct {
	ActorID string `json:"actorId" validate:"required"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

// RequestContext carries identity and correlation for one logical action.
type RequestContext struct {
	RequestID string `json:"requestId" validate:"required"`
	Actor     Actor  `json:"actor"`
}

// NewRequestContext creates a RequestContext for the given request and actor
func NewRequestContext(requestID string, actor Actor) RequestContext {
	return RequestContext{
		RequestID: requestID,
		Actor:     actor,
	}
}
