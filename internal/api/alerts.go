package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/AaronLay10/SorterEngine/internal/config"
	"github.com/AaronLay10/SorterEngine/internal/events"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

const (
	AlertMQTTDisconnected    = "mqtt_disconnected"
	AlertPostgresUnavailable = "postgres_unavailable"
	AlertDiverterOffline     = "diverter_offline"
	AlertParcelMisrouted     = "parcel_misrouted"
	AlertParcelLost          = "parcel_lost"
	AlertSystemError         = "system_error"
)

// AlertPayload is the JSON body posted to the webhook.
type AlertPayload struct {
	LineID    string                 `json:"line_id"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type AlertConfig struct {
	WebhookURL              string
	MQTTDisconnectDelay     time.Duration
	PostgresDisconnectDelay time.Duration
	// EventAlertsPerMinute caps alerts raised from sorter events. A jam can
	// misroute dozens of parcels in a few seconds.
	EventAlertsPerMinute int
}

var (
	alertMu     sync.Mutex
	alertConfig = &AlertConfig{
		MQTTDisconnectDelay:     30 * time.Second,
		PostgresDisconnectDelay: 5 * time.Second,
		EventAlertsPerMinute:    30,
	}
	alertHTTP = &http.Client{Timeout: 10 * time.Second}

	mqttOutage     = &outage{alert: AlertMQTTDisconnected, severity: SeverityCritical, what: "MQTT broker"}
	postgresOutage = &outage{alert: AlertPostgresUnavailable, severity: SeverityWarning, what: "PostgreSQL"}
)

// outage raises one alert when a dependency stays down past its delay and
// one more when it comes back.
type outage struct {
	alert    string
	severity string
	what     string

	down    time.Time
	alerted bool
}

// observe records the dependency state at now and returns the alert to send,
// if any.
func (o *outage) observe(up bool, now time.Time, delay time.Duration) (*AlertPayload, bool) {
	if up {
		wasAlerted := o.alerted
		o.down, o.alerted = time.Time{}, false
		if !wasAlerted {
			return nil, false
		}
		return &AlertPayload{
			Event:    o.alert,
			Severity: SeverityInfo,
			Message:  o.what + " connection restored",
			Details:  map[string]interface{}{"recovered_at": now.UTC().Format(time.RFC3339)},
		}, true
	}

	if o.down.IsZero() {
		o.down = now
	}
	elapsed := now.Sub(o.down)
	if o.alerted || elapsed < delay {
		return nil, false
	}
	o.alerted = true
	return &AlertPayload{
		Event:    o.alert,
		Severity: o.severity,
		Message:  o.what + " unavailable",
		Details: map[string]interface{}{
			"disconnected_since":   o.down.UTC().Format(time.RFC3339),
			"disconnected_seconds": int(elapsed.Seconds()),
		},
	}, true
}

// InitAlerts reads SORTER_ALERT_WEBHOOK_URL and the outage delays.
func InitAlerts() error {
	alertMu.Lock()
	defer alertMu.Unlock()

	alertConfig.WebhookURL = config.EnvString("SORTER_ALERT_WEBHOOK_URL", "")

	var err error
	if alertConfig.MQTTDisconnectDelay, err = config.EnvDuration("SORTER_MQTT_ALERT_DELAY", alertConfig.MQTTDisconnectDelay); err != nil {
		return err
	}
	if alertConfig.PostgresDisconnectDelay, err = config.EnvDuration("SORTER_POSTGRES_ALERT_DELAY", alertConfig.PostgresDisconnectDelay); err != nil {
		return err
	}
	if alertConfig.EventAlertsPerMinute, err = config.EnvInt("SORTER_EVENT_ALERTS_PER_MINUTE", alertConfig.EventAlertsPerMinute); err != nil {
		return err
	}

	if alertConfig.WebhookURL != "" {
		zap.L().Info("alerts enabled",
			zap.Duration("mqtt_delay", alertConfig.MQTTDisconnectDelay),
			zap.Duration("pg_delay", alertConfig.PostgresDisconnectDelay),
			zap.Int("event_alerts_per_minute", alertConfig.EventAlertsPerMinute))
	}
	return nil
}

func GetAlertWebhookURL() string {
	alertMu.Lock()
	defer alertMu.Unlock()
	return alertConfig.WebhookURL
}

// SendAlert posts an alert in the background. Without a webhook the alert is
// only logged.
func SendAlert(event, severity, message string, details map[string]interface{}) {
	deliver(&AlertPayload{Event: event, Severity: severity, Message: message, Details: details})
}

func deliver(p *AlertPayload) {
	url := GetAlertWebhookURL()
	if url == "" {
		zap.L().Warn("alert",
			zap.String("alert", p.Event),
			zap.String("severity", p.Severity),
			zap.String("msg", p.Message),
			zap.Any("details", p.Details))
		return
	}

	p.LineID = GetLineID()
	if p.LineID == "" {
		p.LineID = "unknown"
	}
	p.Timestamp = time.Now().UTC().Format(time.RFC3339)

	go func(p AlertPayload) {
		body, err := json.Marshal(p)
		if err != nil {
			zap.L().Error("alert: marshal payload", zap.Error(err))
			return
		}
		resp, err := alertHTTP.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			zap.L().Warn("alert: webhook POST failed", zap.String("alert", p.Event), zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			zap.L().Warn("alert: webhook rejected alert", zap.String("alert", p.Event), zap.Int("status", resp.StatusCode))
		}
	}(*p)
}

// CheckAndAlertMQTT feeds the broker connection state into its outage tracker.
func CheckAndAlertMQTT(connected bool) {
	checkOutage(mqttOutage, connected, func(c *AlertConfig) time.Duration { return c.MQTTDisconnectDelay })
}

// CheckAndAlertPostgres feeds the database state into its outage tracker.
func CheckAndAlertPostgres(connected bool) {
	checkOutage(postgresOutage, connected, func(c *AlertConfig) time.Duration { return c.PostgresDisconnectDelay })
}

func checkOutage(o *outage, up bool, delay func(*AlertConfig) time.Duration) {
	alertMu.Lock()
	p, ok := o.observe(up, time.Now(), delay(alertConfig))
	alertMu.Unlock()
	if ok {
		deliver(p)
	}
}

// alertForEvent maps a sorter event to an alert. ok is false for events
// that never alert.
func alertForEvent(e events.Event) (alert, severity string, ok bool) {
	switch e.Name {
	case "path.misrouted":
		return AlertParcelMisrouted, SeverityCritical, true
	case "device.disconnected":
		return AlertDiverterOffline, SeverityWarning, true
	case "parcel.lost":
		return AlertParcelLost, SeverityWarning, true
	case "system.error":
		return AlertSystemError, SeverityCritical, true
	}
	return "", "", false
}

func eventAlertLimiter() *rate.Limiter {
	alertMu.Lock()
	perMinute := alertConfig.EventAlertsPerMinute
	alertMu.Unlock()
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// StartAlertMonitor checks dependency state every checkInterval and raises
// alerts for sorter events until ctx is done.
func StartAlertMonitor(ctx context.Context, checkInterval time.Duration) {
	sub := events.Subscribe()
	limiter := eventAlertLimiter()

	go func() {
		defer events.Unsubscribe(sub)
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		suppressed := 0
		for {
			select {
			case <-ctx.Done():
				return

			case e, ok := <-sub:
				if !ok {
					return
				}
				alert, severity, ok := alertForEvent(e)
				if !ok {
					continue
				}
				if !limiter.Allow() {
					suppressed++
					continue
				}
				details := e.Fields
				if suppressed > 0 {
					details = make(map[string]interface{}, len(e.Fields)+1)
					for k, v := range e.Fields {
						details[k] = v
					}
					details["suppressed_before"] = suppressed
					suppressed = 0
				}
				msg := e.Message
				if msg == "" {
					msg = e.Name
				}
				SendAlert(alert, severity, msg, details)

			case <-ticker.C:
				// Optional dependencies never alert.
				readiness.mu.RLock()
				mqttUp := readiness.mqttConnected || readiness.mqttOptional
				postgresUp := readiness.postgresConnected || readiness.postgresOptional
				readiness.mu.RUnlock()

				CheckAndAlertMQTT(mqttUp)
				CheckAndAlertPostgres(postgresUp)
			}
		}
	}()
}
