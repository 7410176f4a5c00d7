package device

import (
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/audio/mixer"
)

var _ audio.Output = (*Speaker)(nil)

// Speaker is one session's output: an oto player reading from a mixer. The
// mixer's clock advances as the sound card pulls audio.
type Speaker struct {
	*mixer.Mixer

	player  *oto.Player
	release func()
	once    sync.Once
}

// Close stops every voice and the player. It is idempotent.
func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Mixer.Close()
		s.player.Pause()
		s.player.Close()
		if s.release != nil {
			s.release()
		}
	})
	return err
}
