package domain

const (
	MailTypeCreateUser  = "create_user"
	MailTypeRunFinished = "run_finished"
)

type MailMessage struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Data any    `json:"data"`
}

type CreateUserMailData struct {
	FullName string `json:"fullName"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type RunFinishedMailData struct {
	FullName  string    `json:"fullName"`
	RunID     int64     `json:"runID"`
	Kind      RunKind   `json:"kind"`
	Status    RunStatus `json:"status"`
	BestScore *float64  `json:"bestScore"`
	Error     string    `json:"error"`
}
