package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liquidation-sentinel/internal/events"
)

// Notifier pushes a rendered alert to operators.
type Notifier interface {
	Notify(ctx context.Context, alert Alert, critical bool) error
}

// TelegramNotifier sends alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert.
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert, critical bool) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert, critical),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("account", alert.AccountID).
		Str("alert_id", alert.ID).
		Bool("critical", critical).
		Msg("alert sent (telegram)")
	return nil
}

// NotifierSink adapts a Notifier to the event bus. It reacts to new and critical alerts.
type NotifierSink struct {
	Notifier Notifier
}

func (s NotifierSink) Name() string { return "notifier" }

func (s NotifierSink) Publish(ctx context.Context, e events.Event) error {
	if e.Type != events.AlertNew && e.Type != events.AlertCritical {
		return nil
	}
	alert, ok := e.Payload.(Alert)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e.Payload, e.Type)
	}
	return s.Notifier.Notify(ctx, alert, e.Type == events.AlertCritical)
}

func renderMessage(a Alert, critical bool) string {
	builder := strings.Builder{}
	if critical {
		builder.WriteString("[CRITICAL Liquidation Risk]\n")
	} else {
		builder.WriteString("[Liquidation Risk Alert]\n")
	}
	builder.WriteString(fmt.Sprintf("Account: %s\n", a.AccountID))
	builder.WriteString(fmt.Sprintf("Risk score: %s/100\n", decimal.NewFromFloat(a.RiskScore).StringFixed(1)))
	builder.WriteString(fmt.Sprintf("Cascade probability: %s%%\n", decimal.NewFromFloat(a.CascadeProbability*100).StringFixed(2)))
	if a.TimeToLiquidationHours > 0 {
		builder.WriteString(fmt.Sprintf("Time to liquidation: ~%sh\n", decimal.NewFromFloat(a.TimeToLiquidationHours).StringFixed(0)))
	}
	builder.WriteString(fmt.Sprintf("Estimated losses: $%s\n", decimal.NewFromFloat(a.EstimatedLossesUSD).StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Action: %s\n", a.RecommendedAction))
	builder.WriteString(fmt.Sprintf("Raised: %s UTC\n", a.CreatedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Alert ID: %s", a.ID))
	return builder.String()
}

var (
	_ Notifier    = (*TelegramNotifier)(nil)
	_ events.Sink = NotifierSink{}
)
