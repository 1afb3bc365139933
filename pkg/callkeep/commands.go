package callkeep

import (
	"context"
	"errors"

	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/provider"
	"github.com/arzzra/callkeep/pkg/session"
)

// RegisterProvider регистрирует приложение как self-managed провайдера
func (s *Service) RegisterProvider(ctx context.Context, name string, supportsVideo bool) error {
	return s.adapter.Register(ctx, provider.ProviderInfo{Name: name, SupportsVideo: supportsVideo})
}

// OfferIncoming показывает входящий звонок, о котором приложение узнало само
// (например, из push-уведомления). Пустой id заменяется сгенерированным.
func (s *Service) OfferIncoming(ctx context.Context, id, handle, displayName, handleKind string, hasVideo bool) error {
	if id == "" {
		id = session.NewID()
	}
	if err := s.precheck(ctx, "offer_incoming"); err != nil {
		return err
	}
	_, err := s.machine.Create(ctx, session.NewSession{
		ID:           id,
		Direction:    session.DirectionIncoming,
		Address:      session.ParseAddress(handle, handleKind),
		DisplayName:  displayName,
		VideoEnabled: hasVideo,
	}, session.OriginApp)
	return err
}

// PlaceOutgoing начинает исходящий звонок
func (s *Service) PlaceOutgoing(ctx context.Context, id, handle, contactID, handleKind string, hasVideo bool) error {
	if id == "" {
		id = session.NewID()
	}
	if err := s.precheck(ctx, "place_outgoing"); err != nil {
		return err
	}
	_, err := s.machine.Create(ctx, session.NewSession{
		ID:           id,
		Direction:    session.DirectionOutgoing,
		Address:      session.ParseAddress(handle, handleKind),
		ContactID:    contactID,
		VideoEnabled: hasVideo,
	}, session.OriginApp)
	return err
}

// precheck провайдер зарегистрирован и разрешения выданы
func (s *Service) precheck(ctx context.Context, operation string) error {
	if err := s.adapter.Ready(); err != nil {
		return err
	}
	if !s.adapter.HasRequiredPermissions(ctx) {
		s.metrics.TransitionError(operation, string(session.CodePermissionDenied))
		s.logger.Warn(ctx, "нет разрешений", logger.String("operation", operation))
		return session.ErrPermissionDeniedFor(operation)
	}
	return nil
}

// EndCall завершает звонок по инициативе пользователя.
// Неизвестный или уже завершенный id не является ошибкой.
func (s *Service) EndCall(ctx context.Context, id string) error {
	return s.teardown(ctx, id, session.Fixed(session.Event{
		Kind:  session.EventHangupLocal,
		Cause: session.DisconnectCause{Code: session.CauseLocal},
	}))
}

// EndAll завершает все звонки в порядке создания
func (s *Service) EndAll(ctx context.Context) error {
	var errs []error
	for _, cs := range s.store.ListActive() {
		if err := s.EndCall(ctx, cs.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Answer отвечает на входящий звонок
func (s *Service) Answer(ctx context.Context, id string) error {
	return s.apply(ctx, id, session.Fixed(session.Event{Kind: session.EventAnswer}))
}

// Reject отклоняет звонок, который еще звонит; в остальных состояниях
// работает как EndCall
func (s *Service) Reject(ctx context.Context, id string) error {
	return s.teardown(ctx, id, func(cs session.CallSession) (session.Event, error) {
		if cs.State == session.StateRinging {
			return session.Event{Kind: session.EventReject, Cause: session.DisconnectCause{Code: session.CauseRejected}}, nil
		}
		return session.Event{Kind: session.EventHangupLocal, Cause: session.DisconnectCause{Code: session.CauseLocal}}, nil
	})
}

// SetMuted включает или выключает микрофон
func (s *Service) SetMuted(ctx context.Context, id string, muted bool) error {
	return s.apply(ctx, id, session.Fixed(session.Event{Kind: session.EventSetMuted, Muted: muted}))
}

// SetOnHold ставит звонок на удержание или снимает с него
func (s *Service) SetOnHold(ctx context.Context, id string, onHold bool) error {
	kind := session.EventUnhold
	if onHold {
		kind = session.EventHold
	}
	return s.apply(ctx, id, session.Fixed(session.Event{Kind: kind}))
}

// ReportConnected приложение сообщает, что удаленная сторона ответила на исходящий звонок
func (s *Service) ReportConnected(ctx context.Context, id string) error {
	return s.apply(ctx, id, session.Fixed(session.Event{Kind: session.EventProviderConnected}))
}

// ReportEnded приложение сообщает, что звонок завершился вне провайдера.
// reason произвольная диагностическая метка, ядро ее не интерпретирует.
func (s *Service) ReportEnded(ctx context.Context, id, reason string) error {
	return s.teardown(ctx, id, session.Fixed(session.Event{
		Kind:  session.EventHangupLocal,
		Cause: session.DisconnectCause{Code: session.CauseUnknown, Tag: reason},
	}))
}

// UpdateDisplay меняет отображаемое имя и адрес. Пустые значения не меняются.
// Тип адреса, заданный при создании звонка, сохраняется.
func (s *Service) UpdateDisplay(ctx context.Context, id, displayName, handle string) error {
	return s.apply(ctx, id, func(cs session.CallSession) (session.Event, error) {
		ev := session.Event{Kind: session.EventUpdateDisplay, DisplayName: displayName}
		if handle != "" {
			addr := session.ParseAddress(handle, cs.Address.Kind.String())
			ev.Address = &addr
		}
		return ev, nil
	})
}

// SetActive переводит звонок в активное состояние с учетом текущего:
// исходящий соединяется, удержанный снимается с удержания, активный
// повторно подтверждается провайдеру. Для звонящего входящего это ошибка.
func (s *Service) SetActive(ctx context.Context, id string) error {
	return s.apply(ctx, id, func(cs session.CallSession) (session.Event, error) {
		switch cs.State {
		case session.StateDialing:
			return session.Event{Kind: session.EventProviderConnected}, nil
		case session.StateOnHold:
			return session.Event{Kind: session.EventUnhold}, nil
		}
		// Из Ringing refresh_active недопустим, Apply вернет ErrInvalidTransition
		return session.Event{Kind: session.EventRefreshActive}, nil
	})
}

// HasRequiredPermissions проверяет разрешения приложения у примитива
func (s *Service) HasRequiredPermissions(ctx context.Context) bool {
	return s.adapter.HasRequiredPermissions(ctx)
}

// HasActiveManagedCall есть хотя бы один отслеживаемый звонок
func (s *Service) HasActiveManagedCall() bool {
	return s.store.Count() > 0
}

// IsSystemInCall ОС сообщает о звонке (в том числе чужом)
func (s *Service) IsSystemInCall(ctx context.Context) bool {
	return s.adapter.IsInCall(ctx)
}

// SetAvailable включает или выключает прием звонков провайдером
func (s *Service) SetAvailable(ctx context.Context, available bool) error {
	return s.adapter.SetAvailable(ctx, available)
}

func (s *Service) apply(ctx context.Context, id string, resolve session.Resolver) error {
	_, err := s.machine.Apply(ctx, id, withOrigin(resolve, session.OriginApp))
	return err
}

// teardown как apply, но отсутствующая сессия считается уже завершенной
func (s *Service) teardown(ctx context.Context, id string, resolve session.Resolver) error {
	err := s.apply(ctx, id, resolve)
	if errors.Is(err, session.ErrNotFound) {
		s.logger.Debug(ctx, "завершение отсутствующей сессии",
			logger.String("session_id", id),
			logger.Bool("already_ended", session.IsAlreadyEnded(err)))
		return nil
	}
	return err
}

// withOrigin проставляет сторону-источник событию резолвера
func withOrigin(resolve session.Resolver, origin session.Origin) session.Resolver {
	return func(cs session.CallSession) (session.Event, error) {
		ev, err := resolve(cs)
		ev.Origin = origin
		return ev, err
	}
}
