package blinkapi

// Credentials identifies an authenticated session on the wire. The auth
// manager owns the session; everything else receives Credentials read-only.
type Credentials struct {
	AccountID int64
	ClientID  int64
	Tier      string
	Token     string
}

// LoginResponse is the /account/login response body.
type LoginResponse struct {
	Account struct {
		AccountID                  int64  `json:"account_id"`
		ClientID                   int64  `json:"client_id"`
		Tier                       string `json:"tier"`
		ClientVerificationRequired bool   `json:"client_verification_required"`
	} `json:"account"`
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
	Verification struct {
		Email struct {
			Required bool `json:"required"`
		} `json:"email"`
		Phone struct {
			Required bool   `json:"required"`
			Channel  string `json:"channel"`
		} `json:"phone"`
	} `json:"verification"`
}

// VerificationRequired reports whether the account demands a 2FA code before
// the session becomes usable.
func (r *LoginResponse) VerificationRequired() bool {
	return r.Account.ClientVerificationRequired || r.Verification.Email.Required || r.Verification.Phone.Required
}

// VerificationChannel returns the delivery channel of the pending challenge.
func (r *LoginResponse) VerificationChannel() string {
	if r.Verification.Phone.Required {
		if r.Verification.Phone.Channel != "" {
			return r.Verification.Phone.Channel
		}
		return "sms"
	}
	return "email"
}

// VerifyPinResponse is the pin/verify response body.
type VerifyPinResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// Network is an account-level grouping of sync modules. Its armed flag is
// authoritative for the whole system.
type Network struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Armed bool   `json:"armed"`
}

// SyncModule is a hub device. Its armed flag is informational only; it is
// known to report armed while the account is actually disarmed.
type SyncModule struct {
	ID        int64  `json:"id"`
	NetworkID int64  `json:"network_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Armed     bool   `json:"armed"`
}

// Camera is a single camera as reported by the homescreen payload.
type Camera struct {
	ID        int64  `json:"id"`
	NetworkID int64  `json:"network_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Thumbnail string `json:"thumbnail"`
	UpdatedAt string `json:"updated_at"`
	Signals   struct {
		Temp *float64 `json:"temp"`
	} `json:"signals"`
}

// Homescreen is the full account state snapshot returned by one poll.
type Homescreen struct {
	Networks    []Network    `json:"networks"`
	SyncModules []SyncModule `json:"sync_modules"`
	Cameras     []Camera     `json:"cameras"`
}

// Clone returns a deep copy, so readers never share slices with the poller.
func (h *Homescreen) Clone() *Homescreen {
	if h == nil {
		return nil
	}
	cp := &Homescreen{
		Networks:    make([]Network, len(h.Networks)),
		SyncModules: make([]SyncModule, len(h.SyncModules)),
		Cameras:     make([]Camera, len(h.Cameras)),
	}
	copy(cp.Networks, h.Networks)
	copy(cp.SyncModules, h.SyncModules)
	copy(cp.Cameras, h.Cameras)
	return cp
}

// CommandStatus reports progress of an asynchronous remote command
// (arm/disarm propagation, snapshot capture).
type CommandStatus struct {
	ID         int64  `json:"id"`
	Complete   bool   `json:"complete"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
}

// commandResponse is the body returned when issuing a command.
type commandResponse struct {
	ID int64 `json:"id"`
}
