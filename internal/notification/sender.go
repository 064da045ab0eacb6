package notification

import (
	"context"
	"io"
	"log"
	"slices"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

// Sender delivers one announcement.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// LogSender only logs the message. It is used when no delivery URL is
// configured.
type LogSender struct {
	log logger.Logger
}

// NewLogSender returns a LogSender writing to log.
func NewLogSender(log logger.Logger) *LogSender {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("announcement",
		logger.Email("to", msg.To),
		logger.String("subject", msg.Subject),
		logger.Int("body_bytes", len(msg.Body)))
	return nil
}

// DefaultRecipientParam is the shoutrrr parameter carrying the recipient
// for smtp:// URLs.
const DefaultRecipientParam = "toaddresses"

// ShoutrrrSender delivers through shoutrrr service URLs. The recipient of
// each message is passed as a service parameter, so one sender serves every
// user.
type ShoutrrrSender struct {
	urls           []string
	sender         *router.ServiceRouter
	recipientParam string
}

// ShoutrrrOption customises a ShoutrrrSender.
type ShoutrrrOption func(*ShoutrrrSender)

// WithRecipientParam sets the parameter name for the recipient. An empty
// name leaves the recipient to the URL.
func WithRecipientParam(name string) ShoutrrrOption {
	return func(s *ShoutrrrSender) { s.recipientParam = name }
}

// NewShoutrrrSender validates urls and builds the router.
func NewShoutrrrSender(urls []string, timeout time.Duration, opts ...ShoutrrrOption) (*ShoutrrrSender, error) {
	if len(urls) == 0 {
		return nil, errors.ValidationError("at least one notification URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// The raw error may echo credentials from the URL.
		return nil, errors.New(errors.NewStd(logger.RedactSensitiveData(err.Error()))).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	s := &ShoutrrrSender{
		urls:           slices.Clone(urls),
		sender:         sender,
		recipientParam: DefaultRecipientParam,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ShoutrrrSender) Name() string { return "shoutrrr" }

func (s *ShoutrrrSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := stypes.Params{}
	if msg.Subject != "" {
		params.SetTitle(msg.Subject)
	}
	if s.recipientParam != "" && msg.To != "" {
		params[s.recipientParam] = msg.To
	}

	for _, err := range s.sender.Send(msg.Body, &params) {
		if err != nil {
			return errors.New(errors.NewStd(logger.RedactSensitiveData(err.Error()))).
				Component(componentName).
				Category(errors.CategoryNetwork).
				Build()
		}
	}
	return nil
}
