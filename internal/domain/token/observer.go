package token

// Observer receives token authority events. Implementations must be cheap
// and must not call back into the Authority.
type Observer interface {
	TokenIssued()
	TokenValidated()
	ValidationFailed(reason FailureReason)
	TokenRevoked()
	Swept(result SweepResult)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) TokenIssued() {
	for _, obs := range o {
		obs.TokenIssued()
	}
}

func (o Observers) TokenValidated() {
	for _, obs := range o {
		obs.TokenValidated()
	}
}

func (o Observers) ValidationFailed(reason FailureReason) {
	for _, obs := range o {
		obs.ValidationFailed(reason)
	}
}

func (o Observers) TokenRevoked() {
	for _, obs := range o {
		obs.TokenRevoked()
	}
}

func (o Observers) Swept(result SweepResult) {
	for _, obs := range o {
		obs.Swept(result)
	}
}

var _ Observer = Observers(nil)
