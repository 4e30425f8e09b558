package tools

import "github.com/pkg/errors"

var errNoVolume = errors.New("no conversation volume configured")

// RunState is the standard State implementation the pipeline hands to the
// executor. Callbacks are optional.
type RunState struct {
	Conversation string
	User         string
	Request      string

	Volume   func() (string, error)
	URL      func(relPath string) string
	OnOutput func(chunk string)
	OnStatus func(description string, done bool)
}

func (s *RunState) ConversationID() string { return s.Conversation }
func (s *RunState) UserID() string         { return s.User }
func (s *RunState) RequestID() string      { return s.Request }

func (s *RunState) VolumePath() (string, error) {
	if s.Volume == nil {
		return "", errNoVolume
	}
	return s.Volume()
}

func (s *RunState) PublicURL(relPath string) string {
	if s.URL == nil {
		return relPath
	}
	return s.URL(relPath)
}

func (s *RunState) EmitOutput(chunk string) {
	if s.OnOutput != nil {
		s.OnOutput(chunk)
	}
}

func (s *RunState) EmitStatus(description string, done bool) {
	if s.OnStatus != nil {
		s.OnStatus(description, done)
	}
}
