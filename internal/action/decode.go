package action

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape of a submitted action.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Decode constructs the tagged action from its wire envelope. The kind switch
// is the single decode point for the closed union; an unknown kind is a
// client error, not a panic.
func Decode(raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		return nil, invalid("action", "action is required")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalid("action", "action must be an object with kind and payload")
	}
	if env.Kind == "" {
		return nil, invalid("action.kind", "action kind is required")
	}

	var act Action
	switch env.Kind {
	case KindOrganizationCreated:
		act = decodePayload[OrganizationCreated](env.Payload)
	case KindOrganizationUpdated:
		act = decodePayload[OrganizationUpdated](env.Payload)
	case KindProjectCreated:
		act = decodePayload[ProjectCreated](env.Payload)
	case KindMemberAdded:
		act = decodePayload[MemberAdded](env.Payload)
	case KindMemberRemoved:
		act = decodePayload[MemberRemoved](env.Payload)
	case KindRoleChanged:
		act = decodePayload[RoleChanged](env.Payload)
	case KindUserUpdated:
		act = decodePayload[UserUpdated](env.Payload)
	case KindUserForgotten:
		act = decodePayload[UserForgotten](env.Payload)
	default:
		return nil, invalid("action.kind", fmt.Sprintf("unknown action kind %q", env.Kind))
	}
	if act == nil {
		return nil, invalid("action.payload", fmt.Sprintf("malformed payload for %s", env.Kind))
	}
	if err := act.Validate(); err != nil {
		return nil, err
	}
	return act, nil
}

func decodePayload[T Action](payload json.RawMessage) Action {
	if len(payload) == 0 {
		return nil
	}
	var act T
	if err := json.Unmarshal(payload, &act); err != nil {
		return nil
	}
	return act
}
