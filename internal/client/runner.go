package client

import (
	"context"
	"errors"

	"novel-stream/internal/session"

	"github.com/rs/zerolog"
)

// Ошибки цикла Runner.
var (
	ErrDisconnected  = errors.New("connection lost")
	ErrRunnerStopped = errors.New("runner stopped")
)

// Conn - транспорт, которым владеет Runner.
type Conn interface {
	session.IntentSender
	Inbound() <-chan Inbound
}

type intentKind int

const (
	intentBegin intentKind = iota
	intentChoose
	intentAnswer
)

type intent struct {
	kind  intentKind
	text  string
	reply chan error
}

// Runner владеет контроллером сессии и обрабатывает входящие события
// и намерения пользователя строго по одному в своей горутине.
type Runner struct {
	ctrl    *session.Controller
	inbound <-chan Inbound
	intents chan intent
	updates chan session.Snapshot
	stopped chan struct{}
	logger  zerolog.Logger
}

// NewRunner создает Runner поверх соединения. Цикл запускается через Run.
func NewRunner(conn Conn, logger zerolog.Logger) *Runner {
	return &Runner{
		ctrl:    session.NewController(conn, logger),
		inbound: conn.Inbound(),
		intents: make(chan intent),
		updates: make(chan session.Snapshot, 1),
		stopped: make(chan struct{}),
		logger:  logger.With().Str("component", "Runner").Logger(),
	}
}

// Updates отдает последние снимки состояния. Промежуточные снимки
// могут быть пропущены, если читатель не успевает.
func (r *Runner) Updates() <-chan session.Snapshot {
	return r.updates
}

// Done закрывается после выхода из Run.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}

// Run обрабатывает события до отмены ctx или потери соединения.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	r.publish()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Runner stopped by context")
			return ctx.Err()

		case in, ok := <-r.inbound:
			if !ok {
				r.logger.Warn().Msg("Transport closed, failing session")
				r.ctrl.OnDisconnect()
				r.publish()
				return ErrDisconnected
			}
			r.handleInbound(in)
			r.publish()

		case it := <-r.intents:
			it.reply <- r.apply(it)
			r.publish()
		}
	}
}

func (r *Runner) handleInbound(in Inbound) {
	var err error
	if in.Err != nil {
		err = r.ctrl.OnMalformedEvent(in.Err)
	} else {
		err = r.ctrl.Dispatch(in.Msg)
	}
	if err != nil {
		// Контроллер уже залогировал детали
		r.logger.Debug().Err(err).Msg("Inbound event rejected")
	}
}

func (r *Runner) apply(it intent) error {
	switch it.kind {
	case intentBegin:
		return r.ctrl.BeginSession()
	case intentChoose:
		return r.ctrl.SubmitChoice(it.text)
	case intentAnswer:
		return r.ctrl.SubmitAnswer(it.text)
	}
	return nil
}

func (r *Runner) publish() {
	snap := r.ctrl.Snapshot()
	select {
	case r.updates <- snap:
		return
	default:
	}
	// Читатель отстал: заменяем устаревший снимок
	select {
	case <-r.updates:
	default:
	}
	r.updates <- snap
}

// Begin запрашивает новую историю.
func (r *Runner) Begin(ctx context.Context) error {
	return r.submit(ctx, intent{kind: intentBegin})
}

// Choose выбирает вариант из текущего набора.
func (r *Runner) Choose(ctx context.Context, option string) error {
	return r.submit(ctx, intent{kind: intentChoose, text: option})
}

// Answer отвечает на открытый вопрос.
func (r *Runner) Answer(ctx context.Context, text string) error {
	return r.submit(ctx, intent{kind: intentAnswer, text: text})
}

func (r *Runner) submit(ctx context.Context, it intent) error {
	it.reply = make(chan error, 1)
	select {
	case r.intents <- it:
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-it.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
