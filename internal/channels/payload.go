package channels

// Kind — вид события жизненного цикла, по которому каналы строят сообщение.
type Kind string

const (
	KindNewRequest    Kind = "new_request"
	KindAssigned      Kind = "assigned"
	KindAccepted      Kind = "accepted"
	KindStarted       Kind = "started"
	KindCompleted     Kind = "completed"
	KindCancelled     Kind = "cancelled"
	KindRejected      Kind = "rejected"
	KindStatusChanged Kind = "status_changed"
	KindDailyReport   Kind = "daily_report"
)

// Payload — вариантный тип полезной нагрузки: по одной структуре на вид
// события, каналы разбирают его исчерпывающим type switch. Поля только
// человекочитаемые: номер заявки, заголовок, имена — никаких внутренних
// идентификаторов и секретов.
type Payload interface {
	Kind() Kind
}

type NewRequest struct {
	RequestNumber string `json:"request_number"`
	Title         string `json:"title"`
	RequesterName string `json:"requester_name"`
	Category      string `json:"category"`
	Location      string `json:"location"`
	Priority      string `json:"priority"`
}

func (NewRequest) Kind() Kind { return KindNewRequest }

type Assigned struct {
	RequestNumber  string `json:"request_number"`
	Title          string `json:"title"`
	TechnicianName string `json:"technician_name"`
}

func (Assigned) Kind() Kind { return KindAssigned }

type Accepted struct {
	RequestNumber  string `json:"request_number"`
	Title          string `json:"title"`
	TechnicianName string `json:"technician_name"`
}

func (Accepted) Kind() Kind { return KindAccepted }

type Started struct {
	RequestNumber  string `json:"request_number"`
	Title          string `json:"title"`
	TechnicianName string `json:"technician_name"`
}

func (Started) Kind() Kind { return KindStarted }

type Completed struct {
	RequestNumber  string `json:"request_number"`
	Title          string `json:"title"`
	TechnicianName string `json:"technician_name"`
}

func (Completed) Kind() Kind { return KindCompleted }

type Cancelled struct {
	RequestNumber string `json:"request_number"`
	Title         string `json:"title"`
	Reason        string `json:"reason,omitempty"`
}

func (Cancelled) Kind() Kind { return KindCancelled }

type Rejected struct {
	RequestNumber  string `json:"request_number"`
	Title          string `json:"title"`
	TechnicianName string `json:"technician_name"`
	Reason         string `json:"reason"`
}

func (Rejected) Kind() Kind { return KindRejected }

type StatusChanged struct {
	RequestNumber string `json:"request_number"`
	Title         string `json:"title"`
	OldStatus     string `json:"old_status"`
	NewStatus     string `json:"new_status"`
}

func (StatusChanged) Kind() Kind { return KindStatusChanged }

type DailyReport struct {
	Date     string         `json:"date"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func (DailyReport) Kind() Kind { return KindDailyReport }
