package session

// Upstream wire format, version 1.
//
// The platform login and game token endpoints speak msgpack. The exact field
// names and credential encoding are an external contract owned by a third
// party; they are confined to this file so a contract change touches nothing
// else in the broker.

const (
	platformLoginPath = "/1.0.0/login"
	gameTokenPath     = "/api/v1/auth_token"
)

// platformLoginRequest authenticates the console's platform account. The
// device certificate proves the request comes from a real console.
type platformLoginRequest struct {
	ProfileID         string `msgpack:"id"`
	UserID            string `msgpack:"user_id"`
	Password          string `msgpack:"password"`
	DeviceID          string `msgpack:"device_id"`
	DeviceCertificate []byte `msgpack:"device_cert"`
}

type platformLoginResponse struct {
	AccessToken string `msgpack:"access_token"`
	ExpiresIn   int    `msgpack:"expires_in"`
}

// gameTokenRequest exchanges a platform token for a title-scoped bearer
// token. The title key authenticates the specific game installation.
type gameTokenRequest struct {
	PlatformToken string `msgpack:"id_token"`
	UserID        string `msgpack:"user_id"`
	Password      string `msgpack:"password"`
	TitleKey      []byte `msgpack:"title_key"`
}

type gameTokenResponse struct {
	Token     string `msgpack:"token"`
	ExpiresIn int    `msgpack:"expires_in"`
}
