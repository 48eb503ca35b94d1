package services

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
)

// notificationDispatcher applies the runtime mail settings before handing a message to the sink.
type notificationDispatcher struct {
	notifier Notifier
	settings SettingsService
	appURL   string
}

func newNotificationDispatcher(notifier Notifier, settings SettingsService, appURL string) *notificationDispatcher {
	if notifier == nil {
		return nil
	}
	return &notificationDispatcher{notifier: notifier, settings: settings, appURL: strings.TrimSpace(appURL)}
}

// send delivers n. In test mode every message is redirected to the configured test recipient.
func (d *notificationDispatcher) send(ctx context.Context, n Notification) error {
	if d == nil {
		return nil
	}
	if len(n.To) == 0 {
		return newKindError(ErrConfiguration, "notification has no recipients")
	}
	settings, err := d.settings.Current(ctx)
	if err != nil {
		return err
	}
	if settings.TestEmailMode {
		if settings.TestEmailDest == "" {
			return newKindError(ErrConfiguration, "test email mode is on but no test recipient is configured")
		}
		n.Subject = fmt.Sprintf("[TEST -> %s] %s", strings.Join(n.To, ", "), n.Subject)
		n.To = []string{settings.TestEmailDest}
	}
	if n.FromName == "" {
		n.FromName = settings.MailSenderName
	}
	if err := d.notifier.Send(ctx, n); err != nil {
		return &KindError{Kind: ErrExternalService, Message: "notification dispatch failed", Err: err}
	}
	return nil
}

func reminderMessage(user domain.User, d civil.Date, cutoff domain.TimeOfDay, appURL string) Notification {
	var body strings.Builder
	fmt.Fprintf(&body, "Hola %s,\n\n", displayName(user))
	fmt.Fprintf(&body, "Aún no has realizado tu pedido de almuerzo para el **%s**.\n\n", DateLabel(d))
	fmt.Fprintf(&body, "Recuerda que tienes hasta las %s para hacerlo.\n", cutoff)
	if appURL != "" {
		fmt.Fprintf(&body, "\n[Ir a la App](%s)\n", appURL)
	}
	return Notification{
		To:      []string{user.Email},
		Subject: "Recordatorio de Almuerzo",
		Body:    body.String(),
	}
}

func activationMessage(user domain.User, appTitle, appURL string) Notification {
	var body strings.Builder
	fmt.Fprintf(&body, "Hola %s,\n\n", displayName(user))
	fmt.Fprintf(&body, "Tu acceso a **%s** ha sido aprobado. Ya puedes realizar tus pedidos.\n", appTitle)
	if appURL != "" {
		fmt.Fprintf(&body, "\n[Ir a la App](%s)\n", appURL)
	}
	return Notification{
		To:      []string{user.Email},
		Subject: "Acceso aprobado: " + appTitle,
		Body:    body.String(),
	}
}

func adminSummaryMessage(recipients []string, d civil.Date, total int) Notification {
	return Notification{
		To:      recipients,
		Subject: "Resumen Pedidos " + d.String(),
		Body:    fmt.Sprintf("Se han registrado **%d** pedidos para el %s.\n", total, DateLabel(d)),
	}
}

func menuAlertMessage(recipients []string, missing []civil.Date) Notification {
	labels := make([]string, len(missing))
	for i, d := range missing {
		labels[i] = d.String()
	}
	return Notification{
		To:      recipients,
		Subject: "Alerta Menú",
		Body:    fmt.Sprintf("Falta **arroz blanco** en la categoría %s para: %s\n", domain.CategoryRice, strings.Join(labels, ", ")),
	}
}

func departmentReportMessage(recipients []string, deptName string, d civil.Date, orders []domain.Order, link string) Notification {
	var body strings.Builder
	fmt.Fprintf(&body, "### Pedidos para %s\n\n", DateLabel(d))
	fmt.Fprintf(&body, "Total platos: %d\n\n", len(orders))
	for _, order := range orders {
		fmt.Fprintf(&body, "- **%s:** %s\n", markdownEscape(order.OwnerName), markdownEscape(order.Summary))
	}
	if link != "" {
		fmt.Fprintf(&body, "\n[Descargar reporte](%s)\n", link)
	}
	return Notification{
		To:      recipients,
		Subject: fmt.Sprintf("Reporte Almuerzo %s - %s", deptName, d),
		Body:    body.String(),
	}
}

func displayName(user domain.User) string {
	if name := strings.TrimSpace(user.Name); name != "" {
		return name
	}
	return user.Email
}

var markdownEscaper = strings.NewReplacer(`*`, `\*`, `_`, `\_`, "`", "\\`", `[`, `\[`, `]`, `\]`)

func markdownEscape(s string) string {
	return markdownEscaper.Replace(s)
}
