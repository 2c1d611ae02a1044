package mutation

import (
	"github.com/briangreenhill/prepcoach/cache"
	"github.com/briangreenhill/prepcoach/internal/resources"
)

// Kind names a mutation
type Kind string

const (
	KindCreateSession     Kind = "CreateSession"
	KindDeleteSession     Kind = "DeleteSession"
	KindGenerateQuestions Kind = "GenerateQuestions"
	KindTogglePin         Kind = "TogglePin"
	KindUpdateProfile     Kind = "UpdateProfile"
)

// Kinds lists every mutation kind
var Kinds = []Kind{
	KindCreateSession,
	KindDeleteSession,
	KindGenerateQuestions,
	KindTogglePin,
	KindUpdateProfile,
}

// edges is the invalidation table. A successful mutation marks exactly these
// keys Stale and nothing else.
var edges = map[Kind]func(r Request) []cache.Pattern{
	KindCreateSession: func(Request) []cache.Pattern {
		return []cache.Pattern{cache.Exact(resources.MySessionsKey())}
	},
	KindDeleteSession: func(r Request) []cache.Pattern {
		return []cache.Pattern{
			cache.Exact(resources.MySessionsKey()),
			cache.Exact(resources.SessionDetailKey(r.SessionID)),
			cache.Exact(resources.SessionQuestionsKey(r.SessionID)),
		}
	},
	KindGenerateQuestions: func(r Request) []cache.Pattern {
		return []cache.Pattern{cache.Exact(resources.SessionQuestionsKey(r.SessionID))}
	},
	KindTogglePin: func(r Request) []cache.Pattern {
		return []cache.Pattern{cache.Exact(resources.SessionQuestionsKey(r.SessionID))}
	},
	KindUpdateProfile: func(Request) []cache.Pattern {
		return []cache.Pattern{cache.Exact(resources.UserProfileKey())}
	},
}

// Edges returns the keys a successful r invalidates
func Edges(r Request) []cache.Pattern {
	fn, ok := edges[r.Kind]
	if !ok {
		return nil
	}
	return fn(r)
}

func sessionEntity(id string) string  { return "session:" + id }
func questionEntity(id string) string { return "question:" + id }

const profileEntity = "profile"

// claims returns the ordering claims r must hold while it runs
func claims(r Request) []Claim {
	switch r.Kind {
	case KindDeleteSession, KindGenerateQuestions:
		return []Claim{{Entity: sessionEntity(r.SessionID), Mode: Exclusive}}
	case KindTogglePin:
		return []Claim{
			{Entity: questionEntity(r.QuestionID), Mode: Exclusive},
			{Entity: sessionEntity(r.SessionID), Mode: Shared},
		}
	case KindUpdateProfile:
		return []Claim{{Entity: profileEntity, Mode: Exclusive}}
	default:
		return nil
	}
}
