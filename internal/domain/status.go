package domain

// ReservationStatus is the lifecycle state of a Reservation.
type ReservationStatus uint8

const (
	ReservationScheduled       ReservationStatus = 1
	ReservationCompleted       ReservationStatus = 2
	ReservationCanceledByUser  ReservationStatus = 3
	ReservationCanceledByAdmin ReservationStatus = 4
	ReservationNoShow          ReservationStatus = 5
)

// BlockingReservationStatuses are the statuses that occupy a slot.
var BlockingReservationStatuses = []ReservationStatus{ReservationScheduled, ReservationCompleted}

// Blocks reports whether a reservation in status s occupies its slot.
func (s ReservationStatus) Blocks() bool {
	return s == ReservationScheduled || s == ReservationCompleted
}

func (s ReservationStatus) String() string {
	switch s {
	case ReservationScheduled:
		return "scheduled"
	case ReservationCompleted:
		return "completed"
	case ReservationCanceledByUser:
		return "canceled_by_user"
	case ReservationCanceledByAdmin:
		return "canceled_by_admin"
	case ReservationNoShow:
		return "no_show"
	default:
		return "unknown"
	}
}

// PaymentIntentStatus is the lifecycle state of a PaymentIntent.
type PaymentIntentStatus uint8

const (
	PaymentPending    PaymentIntentStatus = 1
	PaymentAuthorized PaymentIntentStatus = 2
	PaymentCaptured   PaymentIntentStatus = 3
	PaymentFailed     PaymentIntentStatus = 4
	PaymentCanceled   PaymentIntentStatus = 5
)

// OpenPaymentStatuses are the non-terminal intent statuses.
var OpenPaymentStatuses = []PaymentIntentStatus{PaymentPending, PaymentAuthorized}

// Open reports whether the intent can still change state.
func (s PaymentIntentStatus) Open() bool {
	return s == PaymentPending || s == PaymentAuthorized
}

func (s PaymentIntentStatus) String() string {
	switch s {
	case PaymentPending:
		return "pending"
	case PaymentAuthorized:
		return "authorized"
	case PaymentCaptured:
		return "captured"
	case PaymentFailed:
		return "failed"
	case PaymentCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// WebhookStatus is the delivery state of a WebhookJob.
//
//	Pending --claim--> Processing --2xx--> Sent
//	Processing --error--> Failed --backoff elapsed--> (claimable again)
//	Processing --error, attempts exhausted--> DeadLetter
type WebhookStatus uint8

const (
	WebhookPending    WebhookStatus = 0
	WebhookProcessing WebhookStatus = 1
	WebhookSent       WebhookStatus = 2
	WebhookFailed     WebhookStatus = 3
	WebhookDeadLetter WebhookStatus = 4
)

// ClaimableWebhookStatuses are the statuses a claim may pick up once
// next_attempt_at has elapsed.
var ClaimableWebhookStatuses = []WebhookStatus{WebhookPending, WebhookFailed}

// Terminal reports whether no further automatic delivery will happen.
func (s WebhookStatus) Terminal() bool {
	return s == WebhookSent || s == WebhookDeadLetter
}

func (s WebhookStatus) String() string {
	switch s {
	case WebhookPending:
		return "pending"
	case WebhookProcessing:
		return "processing"
	case WebhookSent:
		return "sent"
	case WebhookFailed:
		return "failed"
	case WebhookDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// ParseWebhookStatus maps the String form back to a WebhookStatus.
func ParseWebhookStatus(s string) (WebhookStatus, bool) {
	for st := WebhookPending; st <= WebhookDeadLetter; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}
