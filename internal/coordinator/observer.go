package coordinator

import "sipvideoroom/native/internal/domain"

// Observers fans notifications out to every member in order. The zero value
// drops them.
type Observers []domain.Observer

func (o Observers) PhaseChanged(session string, from, to domain.Phase) {
	for _, ob := range o {
		ob.PhaseChanged(session, from, to)
	}
}

func (o Observers) FeedChanged(change domain.FeedChange) {
	for _, ob := range o {
		ob.FeedChanged(change)
	}
}

func (o Observers) Notice(session, text string) {
	for _, ob := range o {
		ob.Notice(session, text)
	}
}

func (o Observers) Failed(session string, err error) {
	for _, ob := range o {
		ob.Failed(session, err)
	}
}
