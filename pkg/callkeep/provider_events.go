package callkeep

import (
	"context"

	"github.com/arzzra/callkeep/pkg/dispatch"
	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/provider"
	"github.com/arzzra/callkeep/pkg/session"
)

// sink принимает переведенные адаптером события провайдера
type sink struct {
	s *Service
}

var _ provider.Sink = sink{}

func (k sink) ProviderEvent(ctx context.Context, id string, ev session.Event) error {
	resolve := session.Fixed(ev)
	if ev.Kind == session.EventReject {
		// Отказ в системном UI после ответа означает завершение звонка
		resolve = func(cs session.CallSession) (session.Event, error) {
			if cs.State != session.StateRinging {
				return session.Event{Kind: session.EventHangupRemote, Origin: ev.Origin, Cause: ev.Cause}, nil
			}
			return ev, nil
		}
	}
	_, err := k.s.machine.Apply(ctx, id, resolve)
	return err
}

func (k sink) IncomingConnection(ctx context.Context, req provider.IncomingRequest) error {
	_, err := k.s.machine.Create(ctx, session.NewSession{
		ID:           req.ID,
		Direction:    session.DirectionIncoming,
		Address:      req.Address,
		DisplayName:  req.DisplayName,
		VideoEnabled: req.Video,
	}, session.OriginProvider)
	return err
}

// MediaNegotiated видео не пересогласуется: расхождение только логируется и считается
func (k sink) MediaNegotiated(ctx context.Context, id string, info provider.MediaInfo) {
	cs, err := k.s.store.Get(id)
	if err != nil {
		return
	}
	if info.Video != cs.VideoEnabled {
		k.s.metrics.VideoMismatch()
		k.s.logger.Warn(ctx, "согласованное видео не совпадает с сессией",
			logger.String("session_id", id),
			logger.Bool("session_video", cs.VideoEnabled),
			logger.Bool("negotiated_video", info.Video))
	}
}

func (k sink) AudioRouteChanged(ctx context.Context, output, reason string) {
	n := dispatch.NewNotification(dispatch.KindAudioRouteChanged, "")
	n.Output = output
	n.Reason = reason
	k.s.publish(ctx, n)
}

func (k sink) AudioSessionActivated(ctx context.Context) {
	k.s.publish(ctx, dispatch.NewNotification(dispatch.KindAudioSessionActivated, ""))
}

func (k sink) AudioSessionDeactivated(ctx context.Context) {
	k.s.publish(ctx, dispatch.NewNotification(dispatch.KindAudioSessionDeactivated, ""))
}

// ProviderReset ОС сбросила провайдера: все звонки завершаются без команд провайдеру
func (k sink) ProviderReset(ctx context.Context) {
	for _, cs := range k.s.store.ListActive() {
		_, err := k.s.machine.Apply(ctx, cs.ID, session.Fixed(session.Event{
			Kind:   session.EventHangupRemote,
			Origin: session.OriginProvider,
			Cause:  session.DisconnectCause{Code: session.CauseRemote, Tag: "provider_reset"},
		}))
		if err != nil && !session.IsAlreadyEnded(err) {
			k.s.logger.LogError(ctx, err, "не удалось завершить сессию при сбросе провайдера",
				logger.String("session_id", cs.ID))
		}
	}
	k.s.publish(ctx, dispatch.NewNotification(dispatch.KindProviderReset, ""))
}
