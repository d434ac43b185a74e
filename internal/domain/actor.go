package domain

import "strings"

type ActorClass string

const (
	ActorUser   ActorClass = "user"
	ActorAgent  ActorClass = "agent"
	ActorPlugin ActorClass = "plugin"
	ActorSystem ActorClass = "system"
)

// ClassifyActor derives the actor class from its id prefix. Ids such as
// "user", "user_42" or "user:alice" are users; "plugin" and "system"
// prefixes work the same way; everything else is an agent.
func ClassifyActor(id string) ActorClass {
	id = strings.ToLower(strings.TrimSpace(id))
	switch {
	case hasClassPrefix(id, "user"):
		return ActorUser
	case hasClassPrefix(id, "plugin"):
		return ActorPlugin
	case hasClassPrefix(id, "system"):
		return ActorSystem
	default:
		return ActorAgent
	}
}

func hasClassPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	return rest == "" || strings.ContainsAny(rest[:1], "_:-./")
}

func IsUser(id string) bool { return ClassifyActor(id) == ActorUser }

func IsPlugin(id string) bool { return ClassifyActor(id) == ActorPlugin }
