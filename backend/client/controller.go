package client

import (
	"github.com/adwski/roommesh/backend/model"
)

// ControllerRoom is the shared room where controllers of the IDE engine meet.
const ControllerRoom = "IDE-app"

const actionSetData = "SET_DATA"

var controllerEvents = []string{
	model.EventListThreadsRequest,
	model.EventDomainDataSet,
	model.EventModelRPCData,
	model.EventEngineRequest,
}

// ServeController announces the session as master candidate for its own room
// and for ControllerRoom, then attaches handlers for the controller events.
// Calling it again replaces the previous handlers instead of stacking them.
func (s *Session) ServeController(features ...string) {
	s.AnnounceMaster(s.DefaultRoom(), features...)
	s.AnnounceMaster(ControllerRoom, model.EventListThreadsRequest, model.EventEngineRequest)

	for _, event := range controllerEvents {
		s.Off(event)
	}

	s.On(model.EventListThreadsRequest, func(env model.Envelope) {
		s.logger.Info().Str("from", env.SRC).Str("room", env.Room).Msg("list of threads requested")
	})
	s.On(model.EventDomainDataSet, func(env model.Envelope) {
		msg, err := model.Decode(env)
		if err != nil {
			s.logger.Warn().Err(err).Msg("bad domain data")
			return
		}
		dd := msg.(model.DomainDataSet)
		ev := s.logger.Debug().Str("from", env.SRC).Str("action", dd.Action)
		if dd.Action == actionSetData {
			ev = ev.RawJSON("blob", nonEmptyJSON(dd.Blob))
		}
		ev.Msg("domain data set")
	})
	s.On(model.EventModelRPCData, func(env model.Envelope) {
		s.logger.Debug().Str("from", env.SRC).RawJSON("payload", nonEmptyJSON(env.Payload)).Msg("model rpc data")
	})
	s.On(model.EventEngineRequest, func(env model.Envelope) {
		s.logger.Debug().Str("from", env.SRC).Msg("engine requested")
	})
}

func nonEmptyJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
