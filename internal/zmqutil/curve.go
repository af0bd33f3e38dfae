package zmqutil

import zmq4 "github.com/pebbe/zmq4"

// Keypair is a CurveZMQ Z85-encoded keypair, the "curve_keypair()"
// external collaborator spec.md §1 names explicitly.
type Keypair struct {
	Public string
	Secret string
}

// NewKeypair generates a fresh CurveZMQ keypair.
func NewKeypair() (Keypair, error) {
	pub, sec, err := zmq4.NewCurveKeypair()
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Public: pub, Secret: sec}, nil
}

// ApplyServer configures sock as a CurveZMQ server identified by kp.
func ApplyServer(sock *zmq4.Socket, kp Keypair) error {
	if err := sock.SetCurveServer(1); err != nil {
		return err
	}
	return sock.SetCurveSecretkey(kp.Secret)
}

// ApplyClient configures sock as a CurveZMQ client connecting to a server
// identified by serverPublic, authenticating with its own kp.
func ApplyClient(sock *zmq4.Socket, kp Keypair, serverPublic string) error {
	if err := sock.SetCurveServerkey(serverPublic); err != nil {
		return err
	}
	if err := sock.SetCurvePublickey(kp.Public); err != nil {
		return err
	}
	return sock.SetCurveSecretkey(kp.Secret)
}
