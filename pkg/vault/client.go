package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ClientConfig configures the connection to the vault process.
type ClientConfig struct {
	Address     string
	Token       string
	CallTimeout time.Duration
	TLSCAFile   string
}

// Client is a Backend that forwards calls to a remote vault.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

type tokenCredentials struct {
	token      string
	requireTLS bool
}

func (t tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + t.token}, nil
}

func (t tokenCredentials) RequireTransportSecurity() bool { return t.requireTLS }

// Dial creates a client. The connection is established lazily on the
// first call.
func Dial(cfg ClientConfig, opts ...grpc.DialOption) (*Client, error) {
	transport := insecure.NewCredentials()
	secure := cfg.TLSCAFile != ""
	if secure {
		creds, err := credentials.NewClientTLSFromFile(cfg.TLSCAFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load vault CA: %w", err)
		}
		transport = creds
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithPerRPCCredentials(tokenCredentials{token: cfg.Token, requireTLS: secure}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req validator, resp validator, internal error) error {
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return fromStatus(err, internal)
	}
	return resp.Validate()
}

// fromStatus maps a gRPC error back to the vault's error kinds.
func fromStatus(err error, internal error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %w", ErrUnavailable, context.Canceled)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrProtocol, st.Message())
	case codes.DataLoss:
		return ErrDecryption
	case codes.FailedPrecondition:
		return ErrVerification
	case codes.Internal:
		if strings.Contains(st.Message(), protocolTag) {
			return fmt.Errorf("%w: %s", ErrProtocol, st.Message())
		}
		return internal
	default:
		return fmt.Errorf("%w: %s", internal, st.Message())
	}
}

// HashPassword implements Backend.
func (c *Client) HashPassword(ctx context.Context, password string) (string, error) {
	resp := new(HashPasswordResponse)
	if err := c.invoke(ctx, methodHashPassword, &HashPasswordRequest{Password: password}, resp, ErrHashing); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// VerifyPassword implements Backend.
// A password longer than MaxPasswordLen cannot match and is rejected
// without a call.
func (c *Client) VerifyPassword(ctx context.Context, password, hash string) (bool, error) {
	if len(password) > MaxPasswordLen {
		return false, nil
	}
	resp := new(VerifyPasswordResponse)
	if err := c.invoke(ctx, methodVerifyPassword, &VerifyPasswordRequest{Password: password, Hash: hash}, resp, ErrVerification); err != nil {
		return false, err
	}
	return resp.Match, nil
}

// EncryptBiometric implements Backend.
func (c *Client) EncryptBiometric(ctx context.Context, vector []float32) (string, error) {
	// JSON cannot carry non-finite floats; reject them before the wire does.
	for _, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return "", fmt.Errorf("%w: non-finite value", ErrEncryption)
		}
	}
	if len(vector) == 0 {
		return "", fmt.Errorf("%w: empty descriptor", ErrEncryption)
	}

	resp := new(EncryptBiometricResponse)
	if err := c.invoke(ctx, methodEncryptBiometric, &EncryptBiometricRequest{Vector: vector}, resp, ErrEncryption); err != nil {
		return "", err
	}
	return resp.Ciphertext, nil
}

// DecryptBiometric implements Backend.
func (c *Client) DecryptBiometric(ctx context.Context, ciphertext string) ([]float32, error) {
	if ciphertext == "" {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrDecryption)
	}

	resp := new(DecryptBiometricResponse)
	if err := c.invoke(ctx, methodDecryptBiometric, &DecryptBiometricRequest{Ciphertext: ciphertext}, resp, ErrDecryption); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

// IsUnavailable reports whether err means the vault could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
