package callkeep_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/callkeep/pkg/callkeep"
	"github.com/arzzra/callkeep/pkg/dispatch"
	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/metrics"
	"github.com/arzzra/callkeep/pkg/provider/mockprovider"
	"github.com/arzzra/callkeep/pkg/session"
)

// notificationLog слушатель, собирающий уведомления
type notificationLog struct {
	mu  sync.Mutex
	all []dispatch.Notification
}

func (l *notificationLog) Notify(ctx context.Context, n dispatch.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, n)
	return nil
}

func (l *notificationLog) kinds(id string) []dispatch.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []dispatch.Kind
	for _, n := range l.all {
		if n.SessionID == id {
			out = append(out, n.Kind)
		}
	}
	return out
}

func (l *notificationLog) find(id string, kind dispatch.Kind) []dispatch.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []dispatch.Notification
	for _, n := range l.all {
		if n.SessionID == id && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// ServiceTestSuite сценарии сервиса поверх примитива в памяти
type ServiceTestSuite struct {
	suite.Suite
	ctx       context.Context
	primitive *mockprovider.Primitive
	registry  *prometheus.Registry
	svc       *callkeep.Service
	log       *notificationLog
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

// SetupTest выполняется перед каждым тестом
func (s *ServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.primitive = mockprovider.New()
	s.registry = prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.Config{Enabled: true, Namespace: "callkeep", Registerer: s.registry})

	s.svc = callkeep.New(
		callkeep.WithPrimitive(s.primitive),
		callkeep.WithLogger(logger.NoOpLogger{}),
		callkeep.WithMetrics(collector),
	)
	s.Require().NoError(s.svc.RegisterProvider(s.ctx, "Test", true))

	s.log = &notificationLog{}
	s.Require().NoError(s.svc.SetListener(s.ctx, s.log))
}

// TearDownTest выполняется после каждого теста
func (s *ServiceTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.svc.Close(ctx))
}

// flush дожидается доставки всех поставленных уведомлений
func (s *ServiceTestSuite) flush() {
	s.Require().Eventually(func() bool {
		st := s.svc.DispatchStats()
		return st.Delivered+st.Failed == st.Published
	}, 2*time.Second, 5*time.Millisecond)
}

// sync дожидается обработки поставленных событий провайдера
func (s *ServiceTestSuite) sync() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.Require().NoError(s.svc.Sync(ctx))
}

func (s *ServiceTestSuite) state(id string) session.State {
	cs, err := s.svc.Session(id)
	s.Require().NoError(err)
	return cs.State
}

// TestIncomingScenario входящий звонок: ответ, удержание, завершение
func (s *ServiceTestSuite) TestIncomingScenario() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "c1", "+15551234567", "", "number", false))
	s.Equal(session.StateRinging, s.state("c1"))

	s.Require().NoError(s.svc.Answer(s.ctx, "c1"))
	s.Equal(session.StateActive, s.state("c1"))
	s.Contains(s.primitive.CallsFor("c1"), "mark_active")

	s.Require().NoError(s.svc.SetOnHold(s.ctx, "c1", true))
	s.Equal(session.StateOnHold, s.state("c1"))

	s.Require().NoError(s.svc.EndCall(s.ctx, "c1"))
	_, err := s.svc.Session("c1")
	s.True(session.IsAlreadyEnded(err))
	s.Empty(s.svc.Sessions())

	// Повторное завершение успешно и без уведомления
	s.Require().NoError(s.svc.EndCall(s.ctx, "c1"))
	s.flush()

	s.Equal([]dispatch.Kind{
		dispatch.KindIncomingCallDisplayed,
		dispatch.KindCallAnswered,
		dispatch.KindHoldChanged,
		dispatch.KindCallEnded,
	}, s.log.kinds("c1"))
	hold := s.log.find("c1", dispatch.KindHoldChanged)
	s.Require().Len(hold, 1)
	s.True(hold[0].OnHold)

	s.Equal([]string{"request_incoming", "mark_ringing", "mark_active", "mark_on_hold", "disconnect"}, s.primitive.CallsFor("c1"))
	s.False(s.svc.HasActiveManagedCall())
}

// TestOutgoingAndEndAllScenario исходящий звонок и завершение всех в порядке создания
func (s *ServiceTestSuite) TestOutgoingAndEndAllScenario() {
	s.Require().NoError(s.svc.PlaceOutgoing(s.ctx, "c2", "+15559876543", "", "number", true))
	s.Equal(session.StateDialing, s.state("c2"))
	cs, err := s.svc.Session("c2")
	s.Require().NoError(err)
	s.True(cs.VideoEnabled)
	s.Equal(session.AddressNumber, cs.Address.Kind)

	s.Require().NoError(s.svc.ReportConnected(s.ctx, "c2"))
	s.Equal(session.StateActive, s.state("c2"))

	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "c3", "+15550000000", "Carol", "number", false))
	s.Require().NoError(s.svc.Answer(s.ctx, "c3"))
	s.True(s.svc.HasActiveManagedCall())

	s.Require().NoError(s.svc.EndAll(s.ctx))
	s.Empty(s.svc.Sessions())
	s.flush()

	s.Len(s.log.find("c2", dispatch.KindCallEnded), 1)
	s.Len(s.log.find("c3", dispatch.KindCallEnded), 1)

	// Порядок завершения совпадает с порядком создания
	var disconnects []string
	for _, c := range s.primitive.Calls() {
		if c.Method == "disconnect" {
			disconnects = append(disconnects, c.SessionID)
		}
	}
	s.Equal([]string{"c2", "c3"}, disconnects)

	started := s.log.find("c2", dispatch.KindOutgoingCallStarted)
	s.Require().Len(started, 1)
	s.Equal("+15559876543", started[0].Handle)
	s.Equal([]dispatch.Kind{
		dispatch.KindOutgoingCallStarted,
		dispatch.KindOutgoingCallConnected,
		dispatch.KindCallEnded,
	}, s.log.kinds("c2"))
}

func (s *ServiceTestSuite) TestInvalidTransitionIsDistinctFromNotFound() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "i1", "+1", "", "", false))

	err := s.svc.SetOnHold(s.ctx, "i1", true)
	s.ErrorIs(err, session.ErrInvalidTransition)
	s.Equal(session.StateRinging, s.state("i1"))

	err = s.svc.Answer(s.ctx, "missing")
	s.ErrorIs(err, session.ErrNotFound)
	s.False(session.IsAlreadyEnded(err))

	// Команды завершения для неизвестных id успешны
	s.NoError(s.svc.EndCall(s.ctx, "missing"))
	s.NoError(s.svc.Reject(s.ctx, "missing"))
	s.NoError(s.svc.ReportEnded(s.ctx, "missing", "3"))
}

func (s *ServiceTestSuite) TestDuplicateID() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "d1", "+1", "", "", false))
	err := s.svc.PlaceOutgoing(s.ctx, "d1", "+2", "", "", false)
	s.ErrorIs(err, session.ErrDuplicateID)
	s.Equal(session.DirectionIncoming, mustSession(s, "d1").Direction)
}

func mustSession(s *ServiceTestSuite, id string) session.CallSession {
	cs, err := s.svc.Session(id)
	s.Require().NoError(err)
	return cs
}

func (s *ServiceTestSuite) TestRejectDependsOnState() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "r1", "+1", "", "", false))
	s.Require().NoError(s.svc.Reject(s.ctx, "r1"))

	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "r2", "+2", "", "", false))
	s.Require().NoError(s.svc.Answer(s.ctx, "r2"))
	s.Require().NoError(s.svc.Reject(s.ctx, "r2"))

	conn1, ok := s.primitive.Connection("r1")
	s.Require().True(ok)
	_, cause := conn1.Released()
	s.Equal(session.CauseRejected, cause.Code)

	conn2, ok := s.primitive.Connection("r2")
	s.Require().True(ok)
	_, cause = conn2.Released()
	s.Equal(session.CauseLocal, cause.Code)
	s.Empty(s.svc.Sessions())
}

func (s *ServiceTestSuite) TestReportEndedCarriesReasonTag() {
	s.Require().NoError(s.svc.PlaceOutgoing(s.ctx, "e1", "+1", "contact-7", "", false))
	s.Equal("contact-7", mustSession(s, "e1").ContactID)
	s.Require().NoError(s.svc.ReportEnded(s.ctx, "e1", "2"))
	s.flush()

	ended := s.log.find("e1", dispatch.KindCallEnded)
	s.Require().Len(ended, 1)
	s.Equal("unknown(2)", ended[0].Reason)
}

func (s *ServiceTestSuite) TestSetActive() {
	s.Require().NoError(s.svc.PlaceOutgoing(s.ctx, "a1", "+1", "", "", false))
	s.Require().NoError(s.svc.SetActive(s.ctx, "a1"))
	s.Equal(session.StateActive, s.state("a1"))

	// Повторная активация подтверждает состояние провайдеру без уведомления
	s.Require().NoError(s.svc.SetActive(s.ctx, "a1"))
	s.Equal(session.StateActive, s.state("a1"))

	s.Require().NoError(s.svc.SetOnHold(s.ctx, "a1", true))
	s.Require().NoError(s.svc.SetActive(s.ctx, "a1"))
	s.Equal(session.StateActive, s.state("a1"))

	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "a2", "+2", "", "", false))
	s.ErrorIs(s.svc.SetActive(s.ctx, "a2"), session.ErrInvalidTransition)
	s.flush()

	s.Equal([]dispatch.Kind{
		dispatch.KindOutgoingCallStarted,
		dispatch.KindOutgoingCallConnected,
		dispatch.KindHoldChanged,
		dispatch.KindHoldChanged,
	}, s.log.kinds("a1"))
	s.Equal([]string{"place_outgoing", "mark_dialing", "mark_active", "mark_active", "mark_on_hold", "mark_active"}, s.primitive.CallsFor("a1"))
}

func (s *ServiceTestSuite) TestMuteAndUpdateDisplay() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "m1", "+1", "Unknown", "", false))
	s.Require().NoError(s.svc.SetMuted(s.ctx, "m1", true))
	s.True(mustSession(s, "m1").Muted)

	s.Require().NoError(s.svc.UpdateDisplay(s.ctx, "m1", "Alice", "sip:alice@example.com"))
	cs := mustSession(s, "m1")
	s.Equal("Alice", cs.DisplayName)
	s.Equal("alice", cs.Address.User)
	s.flush()

	conn, ok := s.primitive.Connection("m1")
	s.Require().True(ok)
	s.True(conn.Muted())
	s.Equal("Alice", conn.DisplayName())

	muted := s.log.find("m1", dispatch.KindMuteChanged)
	s.Require().Len(muted, 1)
	s.True(muted[0].Muted)
	s.Equal([]dispatch.Kind{dispatch.KindIncomingCallDisplayed, dispatch.KindMuteChanged}, s.log.kinds("m1"))
}

func (s *ServiceTestSuite) TestPermissionDenied() {
	s.primitive.SetPermissions(false)
	s.False(s.svc.HasRequiredPermissions(s.ctx))

	err := s.svc.PlaceOutgoing(s.ctx, "p1", "+1", "", "", false)
	s.ErrorIs(err, session.ErrPermissionDenied)
	err = s.svc.OfferIncoming(s.ctx, "p2", "+1", "", "", false)
	s.ErrorIs(err, session.ErrPermissionDenied)

	s.Empty(s.svc.Sessions())
	s.Empty(s.primitive.CallsFor("p1"), "примитив не вызывается без разрешений")
}

func (s *ServiceTestSuite) TestProviderFailureLeavesStateUnchanged() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "f1", "+1", "", "", false))
	s.primitive.Fail("mark_active", errors.New("os error"))

	err := s.svc.Answer(s.ctx, "f1")
	s.ErrorIs(err, session.ErrProviderUnavailable)
	s.Equal(session.StateRinging, s.state("f1"))

	s.primitive.Fail("mark_active", nil)
	s.Require().NoError(s.svc.Answer(s.ctx, "f1"))
	s.flush()
	s.Len(s.log.find("f1", dispatch.KindCallAnswered), 1)
}

func (s *ServiceTestSuite) TestProviderCallbacks() {
	cb := s.primitive.Callbacks()
	s.Require().NotNil(cb)

	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "pc", "+1", "", "", false))
	cb.OnAnswered("pc")
	s.sync()
	s.Equal(session.StateActive, s.state("pc"))

	cb.OnAudioStateChanged("pc", true)
	s.sync()
	s.True(mustSession(s, "pc").Muted)
	cb.OnDtmfTone("pc", "7")
	cb.OnAudioRouteChanged("Speaker", "override")
	cb.OnDisconnected("pc", session.DisconnectCause{})
	s.sync()
	_, err := s.svc.Session("pc")
	s.True(session.IsAlreadyEnded(err))

	// Событие после завершения безопасно отбрасывается
	cb.OnAnswered("pc")
	s.sync()
	s.flush()

	s.Equal([]dispatch.Kind{
		dispatch.KindIncomingCallDisplayed,
		dispatch.KindCallAnswered,
		dispatch.KindMuteChanged,
		dispatch.KindDTMFReceived,
		dispatch.KindCallEnded,
	}, s.log.kinds("pc"))
	dtmf := s.log.find("pc", dispatch.KindDTMFReceived)
	s.Require().Len(dtmf, 1)
	s.Equal("7", dtmf[0].Digit)

	route := s.log.find("", dispatch.KindAudioRouteChanged)
	s.Require().Len(route, 1)
	s.Equal("Speaker", route[0].Output)
	s.Equal("override", route[0].Reason)

	// mute от провайдера и HangupRemote не отражаются командами
	s.Equal([]string{"request_incoming", "mark_ringing", "mark_active"}, s.primitive.CallsFor("pc"))
}

func (s *ServiceTestSuite) TestIncomingConnectionFromOS() {
	cb := s.primitive.Callbacks()
	conn := s.primitive.NewConnection("os-1")
	cb.OnIncomingConnection("os-1", conn, "+15550001", "Dave", true)
	s.sync()

	cs := mustSession(s, "os-1")
	s.Equal(session.StateRinging, cs.State)
	s.Equal("Dave", cs.DisplayName)
	s.True(cs.VideoEnabled)

	// Отказ в системном UI: соединение уже освобождено ОС, команда не отправляется
	cb.OnRejected("os-1")
	s.sync()
	s.Empty(s.svc.Sessions())
	s.Empty(s.primitive.CallsFor("os-1"))
	s.flush()
	s.Equal([]dispatch.Kind{dispatch.KindIncomingCallDisplayed, dispatch.KindCallEnded}, s.log.kinds("os-1"))
}

func (s *ServiceTestSuite) TestVideoMismatchIsCounted() {
	s.Require().NoError(s.svc.PlaceOutgoing(s.ctx, "v1", "+1", "", "", true))
	s.primitive.Callbacks().OnMediaNegotiated("v1", []byte(
		"v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 5004 RTP/AVP 0\r\n"))
	s.sync()

	expected := `
# HELP callkeep_video_mismatches_total Negotiated media whose video presence differs from the session video flag
# TYPE callkeep_video_mismatches_total counter
callkeep_video_mismatches_total 1
`
	s.NoError(testutil.GatherAndCompare(s.registry, strings.NewReader(expected), "callkeep_video_mismatches_total"))
	s.True(mustSession(s, "v1").VideoEnabled, "видео не пересогласуется")
}

func (s *ServiceTestSuite) TestProviderReset() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "x1", "+1", "", "", false))
	s.Require().NoError(s.svc.PlaceOutgoing(s.ctx, "x2", "+2", "", "", false))

	s.primitive.Callbacks().OnProviderReset()
	s.sync()
	s.Empty(s.svc.Sessions())
	s.flush()

	for _, id := range []string{"x1", "x2"} {
		ended := s.log.find(id, dispatch.KindCallEnded)
		s.Require().Len(ended, 1, id)
		s.Equal("remote(provider_reset)", ended[0].Reason)
		s.NotContains(s.primitive.CallsFor(id), "disconnect")
	}
	s.Len(s.log.find("", dispatch.KindProviderReset), 1)
}

// TestDistinctSessionsDoNotBlockEachOther медленный вызов ОС одной сессии не задерживает другую
func (s *ServiceTestSuite) TestDistinctSessionsDoNotBlockEachOther() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "slow", "+1", "", "", false))
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "fast", "+2", "", "", false))

	release := make(chan struct{})
	entered := make(chan struct{})
	s.primitive.OnCall(func(id, method string) {
		if id == "slow" && method == "mark_active" {
			close(entered)
			<-release
		}
	})

	done := make(chan error, 1)
	go func() { done <- s.svc.Answer(s.ctx, "slow") }()
	<-entered

	start := time.Now()
	s.Require().NoError(s.svc.Answer(s.ctx, "fast"))
	s.Less(time.Since(start), time.Second)
	s.Equal(session.StateActive, s.state("fast"))

	// Чтение медленной сессии не ждет команду провайдеру
	s.Equal(session.StateRinging, s.state("slow"))

	close(release)
	s.Require().NoError(<-done)
	s.Equal(session.StateActive, s.state("slow"))
}

// TestUpdateDisplayKeepsAddressKind новый адрес сохраняет тип, заданный при создании
func (s *ServiceTestSuite) TestUpdateDisplayKeepsAddressKind() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "k1", "+15551234", "", "number", false))
	s.Require().NoError(s.svc.UpdateDisplay(s.ctx, "k1", "", "sip:alice@example.com"))
	cs := mustSession(s, "k1")
	s.Equal(session.AddressNumber, cs.Address.Kind)
	s.Equal("example.com", cs.Address.Host)

	s.Require().NoError(s.svc.PlaceOutgoing(s.ctx, "k2", "desk", "", "generic", false))
	s.Require().NoError(s.svc.UpdateDisplay(s.ctx, "k2", "Desk", "+15550000"))
	cs = mustSession(s, "k2")
	s.Equal(session.AddressGeneric, cs.Address.Kind, "цифровой адрес не превращает generic в number")
	s.Equal("+15550000", cs.Address.String())
}

// TestDuplicateOSOfferKeepsLiveSession повторное предложение ОС с тем же id
// не отнимает соединение у живого звонка
func (s *ServiceTestSuite) TestDuplicateOSOfferKeepsLiveSession() {
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "dup", "+1", "", "", false))
	live, ok := s.primitive.Connection("dup")
	s.Require().True(ok)

	cb := s.primitive.Callbacks()
	second := s.primitive.NewConnection("dup")
	cb.OnIncomingConnection("dup", second, "+1", "", false)
	s.sync()

	released, cause := second.Released()
	s.True(released)
	s.Equal(session.CauseRejected, cause.Code)

	s.Require().NoError(s.svc.Answer(s.ctx, "dup"))
	s.Equal("active", live.State())
	s.Require().NoError(s.svc.EndCall(s.ctx, "dup"))
	released, cause = live.Released()
	s.True(released, "EndCall освобождает исходное соединение")
	s.Equal(session.CauseLocal, cause.Code)
	s.flush()

	s.Equal([]dispatch.Kind{
		dispatch.KindIncomingCallDisplayed,
		dispatch.KindCallAnswered,
		dispatch.KindCallEnded,
	}, s.log.kinds("dup"))
}

// TestCallbackFromInsideProviderCommand примитив сообщает о событии синхронно,
// прямо из команды, пока переход сессии еще не зафиксирован
func (s *ServiceTestSuite) TestCallbackFromInsideProviderCommand() {
	cb := s.primitive.Callbacks()
	s.primitive.OnCall(func(id, method string) {
		switch {
		case id == "re" && method == "mark_active":
			cb.OnAudioStateChanged("re", true)
		case id == "early" && method == "mark_ringing":
			cb.OnAnswered("early")
		}
	})

	done := make(chan error, 2)
	go func() {
		if err := s.svc.OfferIncoming(s.ctx, "re", "+1", "", "", false); err != nil {
			done <- err
			return
		}
		done <- s.svc.Answer(s.ctx, "re")
	}()
	go func() { done <- s.svc.OfferIncoming(s.ctx, "early", "+2", "", "", false) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			s.Require().NoError(err)
		case <-time.After(2 * time.Second):
			s.FailNow("команда провайдеру заблокирована собственным обратным вызовом")
		}
	}
	s.sync()

	cs := mustSession(s, "re")
	s.Equal(session.StateActive, cs.State)
	s.True(cs.Muted, "обратный вызов применен после команды")

	// Ответ ОС, пришедший во время создания, применяется после него
	s.Equal(session.StateActive, s.state("early"))
	s.flush()
	s.Equal([]dispatch.Kind{dispatch.KindIncomingCallDisplayed, dispatch.KindCallAnswered}, s.log.kinds("early"))
	s.Equal([]dispatch.Kind{
		dispatch.KindIncomingCallDisplayed,
		dispatch.KindCallAnswered,
		dispatch.KindMuteChanged,
	}, s.log.kinds("re"))
}

// TestEndCallDuringCreate завершение, пришедшее пока ОС создает соединение,
// не теряется и не считается успехом без действия
func (s *ServiceTestSuite) TestEndCallDuringCreate() {
	entered := make(chan struct{})
	release := make(chan struct{})
	s.primitive.OnCall(func(id, method string) {
		if id == "w" && method == "mark_dialing" {
			close(entered)
			<-release
		}
	})

	created := make(chan error, 1)
	go func() { created <- s.svc.PlaceOutgoing(s.ctx, "w", "+1", "", "", false) }()
	<-entered

	ended := make(chan error, 1)
	go func() { ended <- s.svc.EndCall(s.ctx, "w") }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	s.Require().NoError(<-created)
	s.Require().NoError(<-ended)

	_, err := s.svc.Session("w")
	s.True(session.IsAlreadyEnded(err))
	s.Equal([]string{"place_outgoing", "mark_dialing", "disconnect"}, s.primitive.CallsFor("w"))
	s.flush()
	s.Equal([]dispatch.Kind{dispatch.KindOutgoingCallStarted, dispatch.KindCallEnded}, s.log.kinds("w"))
}

// TestProviderHoldAbortAndAudioDeactivation события ОС без эха командами
func (s *ServiceTestSuite) TestProviderHoldAbortAndAudioDeactivation() {
	cb := s.primitive.Callbacks()
	s.Require().NoError(s.svc.OfferIncoming(s.ctx, "h1", "+1", "", "", false))
	s.Require().NoError(s.svc.Answer(s.ctx, "h1"))

	cb.OnHoldChanged("h1", true)
	s.sync()
	s.Equal(session.StateOnHold, s.state("h1"))
	cb.OnHoldChanged("h1", false)
	s.sync()
	s.Equal(session.StateActive, s.state("h1"))
	s.NotContains(s.primitive.CallsFor("h1"), "mark_on_hold", "удержание от ОС не отражается командой")

	// Отмена соединения ОС завершает сессию без уведомления о завершении
	s.Require().NoError(s.svc.PlaceOutgoing(s.ctx, "ab", "+2", "", "", false))
	cb.OnAborted("ab")
	cb.OnAudioSessionDeactivated()
	s.sync()

	_, err := s.svc.Session("ab")
	s.True(session.IsAlreadyEnded(err))
	s.NotContains(s.primitive.CallsFor("ab"), "disconnect")
	s.flush()

	holds := s.log.find("h1", dispatch.KindHoldChanged)
	s.Require().Len(holds, 2)
	s.True(holds[0].OnHold)
	s.False(holds[1].OnHold)
	s.Equal([]dispatch.Kind{dispatch.KindOutgoingCallStarted}, s.log.kinds("ab"))
	s.Len(s.log.find("", dispatch.KindAudioSessionDeactivated), 1)
}

func (s *ServiceTestSuite) TestSetAvailable() {
	s.Require().NoError(s.svc.SetAvailable(s.ctx, false))
	s.False(s.primitive.Available())
	s.primitive.SetInCall(true)
	s.True(s.svc.IsSystemInCall(s.ctx))
}

func TestServiceWithoutPrimitive(t *testing.T) {
	ctx := context.Background()
	svc := callkeep.New(callkeep.WithLogger(logger.NoOpLogger{}))
	defer svc.Close(ctx)

	if err := svc.RegisterProvider(ctx, "x", false); !errors.Is(err, session.ErrProviderUnavailable) {
		t.Fatalf("ожидалась ErrProviderUnavailable, получили %v", err)
	}
	if err := svc.PlaceOutgoing(ctx, "o", "+1", "", "", false); !errors.Is(err, session.ErrProviderUnavailable) {
		t.Fatalf("ожидалась ErrProviderUnavailable, получили %v", err)
	}
	if err := svc.SetAvailable(ctx, true); err != nil {
		t.Fatalf("SetAvailable без примитива должен быть no-op: %v", err)
	}
	if svc.HasActiveManagedCall() {
		t.Fatal("звонков быть не должно")
	}
}

func TestServiceUnregisteredProvider(t *testing.T) {
	ctx := context.Background()
	svc := callkeep.New(callkeep.WithPrimitive(mockprovider.New()), callkeep.WithLogger(logger.NoOpLogger{}))
	defer svc.Close(ctx)

	if err := svc.OfferIncoming(ctx, "i", "+1", "", "", false); !errors.Is(err, session.ErrProviderUnavailable) {
		t.Fatalf("ожидалась ErrProviderUnavailable, получили %v", err)
	}
}

func TestServiceDelayedEventsBeforeListener(t *testing.T) {
	ctx := context.Background()
	p := mockprovider.New()
	svc := callkeep.New(callkeep.WithPrimitive(p), callkeep.WithLogger(logger.NoOpLogger{}))
	defer svc.Close(ctx)

	if err := svc.RegisterProvider(ctx, "x", false); err != nil {
		t.Fatal(err)
	}
	// Звонок пришел до запуска UI приложения
	p.Callbacks().OnIncomingConnection("early", p.NewConnection("early"), "+1", "", false)
	if err := svc.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	log := &notificationLog{}
	if err := svc.SetListener(ctx, log); err != nil {
		t.Fatal(err)
	}
	loaded := log.find("", dispatch.KindLoadedWithEvents)
	if len(loaded) != 1 || len(loaded[0].Events) != 1 || loaded[0].Events[0].Kind != dispatch.KindIncomingCallDisplayed {
		t.Fatalf("ожидалось одно loadedWithEvents с incomingCallDisplayed, получили %+v", loaded)
	}
}
