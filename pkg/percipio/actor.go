package percipio

import (
	"bytes"
	"encoding/json"
)

// Actor identifies the learner to Percipio as an xAPI agent account.
type Actor struct {
	HomePage string // LMS base URL
	UserID   string
}

type agentAccount struct {
	HomePage string `json:"homePage"`
	Name     string `json:"name"`
}

type agent struct {
	ObjectType string       `json:"objectType"`
	Account    agentAccount `json:"account"`
}

// JSON renders the actor in the fixed shape Percipio expects:
// {"objectType":"Agent","account":{"homePage":"...","name":"..."}}
func (a Actor) JSON() string {
	return compactJSON(agent{ObjectType: "Agent", Account: agentAccount{HomePage: a.HomePage, Name: a.UserID}})
}

// UserAttributes are the PII fields sent only when piiinfo is enabled.
type UserAttributes struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

func (u UserAttributes) JSON() string { return compactJSON(u) }

// LaunchRequest is the input to Client.LaunchURL.
type LaunchRequest struct {
	ActivityRef string
	Actor       Actor
	Attributes  UserAttributes
}

// compactJSON encodes v without HTML escaping so URLs in values stay readable.
func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
