// Package notify renders and sends operator emails about imports.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/badno/catalogsync/pkg/models"
	"github.com/osteele/liquid"
)

const timeLayout = "2006-01-02 15:04:05"

const (
	failureSubject = `[{{ site }}] Product Import Failed`
	failureBody    = `The product import for {{ site }} failed.

File: {{ file }}
Time: {{ time }}

Error details:
{{ error }}
`

	newProductSubject = `[{{ site }}] New Product Added`
	newProductBody    = `A new product was added to {{ site }}.

Name:  {{ name }}
SKU:   {{ sku }}
Brand: {{ brand | default: "-" }}
Price: {{ price }}
Stock: {{ stock }}

Edit: {{ edit_link }}

Time: {{ time }}
File: {{ file }}
`
)

// SettingsSource supplies the current notification settings
type SettingsSource interface {
	NotificationSettings(ctx context.Context) (models.NotificationSettings, error)
}

// Site identifies the catalog in messages
type Site struct {
	Name     string
	AdminURL string
}

// EditLink returns the admin URL for a product
func (s Site) EditLink(productID int64) string {
	return fmt.Sprintf("%s/products/%d/edit", strings.TrimRight(s.AdminURL, "/"), productID)
}

// NewProductNotice describes a product created by an import
type NewProductNotice struct {
	ProductID int64
	Name      string
	SKU       string
	Brand     string
	Price     string
	Stock     int
	FileName  string
	At        time.Time
}

type template struct {
	subject *liquid.Template
	body    *liquid.Template
}

// Notifier sends failure and new-product emails according to the stored settings
type Notifier struct {
	mailer   Mailer
	settings SettingsSource
	site     Site
	logger   *slog.Logger

	failure    template
	newProduct template
}

// New parses the message templates and returns a notifier
func New(mailer Mailer, settings SettingsSource, site Site, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine := liquid.NewEngine()

	n := &Notifier{mailer: mailer, settings: settings, site: site, logger: logger}

	var err error
	if n.failure, err = parse(engine, failureSubject, failureBody); err != nil {
		return nil, err
	}
	if n.newProduct, err = parse(engine, newProductSubject, newProductBody); err != nil {
		return nil, err
	}
	return n, nil
}

func parse(engine *liquid.Engine, subject, body string) (template, error) {
	s, err := engine.ParseString(subject)
	if err != nil {
		return template{}, fmt.Errorf("parse subject template: %w", err)
	}
	b, err := engine.ParseString(body)
	if err != nil {
		return template{}, fmt.Errorf("parse body template: %w", err)
	}
	return template{subject: s, body: b}, nil
}

// ImportFailed sends a failure summary. It reports whether a message was sent.
func (n *Notifier) ImportFailed(ctx context.Context, fileName, detail string, at time.Time) (bool, error) {
	settings, ok, err := n.enabled(ctx, func(s models.NotificationSettings) bool { return s.NotifyOnFailures })
	if err != nil || !ok {
		return false, err
	}

	msg, err := n.render(n.failure, settings.Email, map[string]any{
		"site":  n.site.Name,
		"file":  fileName,
		"time":  at.Format(timeLayout),
		"error": detail,
	})
	if err != nil {
		return false, err
	}
	return true, n.send(ctx, msg)
}

// NewProduct sends a new-product alert. It reports whether a message was sent.
func (n *Notifier) NewProduct(ctx context.Context, notice NewProductNotice) (bool, error) {
	settings, ok, err := n.enabled(ctx, func(s models.NotificationSettings) bool { return s.NotifyOnNewProducts })
	if err != nil || !ok {
		return false, err
	}

	msg, err := n.render(n.newProduct, settings.Email, map[string]any{
		"site":      n.site.Name,
		"name":      notice.Name,
		"sku":       notice.SKU,
		"brand":     notice.Brand,
		"price":     notice.Price,
		"stock":     notice.Stock,
		"edit_link": n.site.EditLink(notice.ProductID),
		"time":      notice.At.Format(timeLayout),
		"file":      notice.FileName,
	})
	if err != nil {
		return false, err
	}
	return true, n.send(ctx, msg)
}

func (n *Notifier) enabled(ctx context.Context, kind func(models.NotificationSettings) bool) (models.NotificationSettings, bool, error) {
	settings, err := n.settings.NotificationSettings(ctx)
	if err != nil {
		return settings, false, fmt.Errorf("failed to load notification settings: %w", err)
	}
	if !settings.EmailEnabled || !kind(settings) || settings.Email == "" {
		return settings, false, nil
	}
	return settings, true, nil
}

func (n *Notifier) render(t template, to string, bindings map[string]any) (Message, error) {
	subject, err := t.subject.RenderString(bindings)
	if err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := t.body.RenderString(bindings)
	if err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	return Message{To: to, Subject: subject, Body: body}, nil
}

func (n *Notifier) send(ctx context.Context, msg Message) error {
	if err := n.mailer.Send(ctx, msg); err != nil {
		n.logger.Error("notification failed", "subject", msg.Subject, "to", msg.To, "error", err)
		return err
	}
	n.logger.Info("notification sent", "subject", msg.Subject, "to", msg.To)
	return nil
}
