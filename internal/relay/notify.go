package relay

// Notification tells subscribed slaves that relay state changed.
type Notification struct {
	Type       string `json:"type"`
	Action     string `json:"action,omitempty"`
	Ticket     int64  `json:"ticket,omitempty"`
	Status     string `json:"status,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

const (
	NotifySignal  = "signal"
	NotifyConfirm = "confirm"
	NotifyReset   = "reset"
	NotifyConfig  = "config"
)

// Notifier fans notifications out. Publish must not block.
type Notifier interface {
	Publish(n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Notification) {}
