package vault

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/tap"
)

const serviceName = "facegate.vault.v1.Vault"

const (
	methodHashPassword     = "/" + serviceName + "/HashPassword"
	methodVerifyPassword   = "/" + serviceName + "/VerifyPassword"
	methodEncryptBiometric = "/" + serviceName + "/EncryptBiometric"
	methodDecryptBiometric = "/" + serviceName + "/DecryptBiometric"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HashPassword", Handler: hashPasswordHandler},
		{MethodName: "VerifyPassword", Handler: verifyPasswordHandler},
		{MethodName: "EncryptBiometric", Handler: encryptBiometricHandler},
		{MethodName: "DecryptBiometric", Handler: decryptBiometricHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "facegate/vault/v1",
}

// decodeRequest reads a request. A decode failure is a protocol violation
// on the wire.
func decodeRequest(dec func(any) error, in validator) error {
	if err := dec(in); err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", protocolTag, err)
	}
	return nil
}

// unary runs h behind the interceptor chain. Requests are validated inside
// the chain, after the caller is authenticated.
func unary(srv any, ctx context.Context, in any, method string, interceptor grpc.UnaryServerInterceptor, h grpc.UnaryHandler) (any, error) {
	validated := func(ctx context.Context, req any) (any, error) {
		if err := req.(validator).Validate(); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return h(ctx, req)
	}
	if interceptor == nil {
		return validated(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
	return interceptor(ctx, in, info, validated)
}

func hashPasswordHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HashPasswordRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	return unary(srv, ctx, in, methodHashPassword, interceptor, func(ctx context.Context, req any) (any, error) {
		hash, err := srv.(Backend).HashPassword(ctx, req.(*HashPasswordRequest).Password)
		if err != nil {
			return nil, toStatus(err)
		}
		return &HashPasswordResponse{Hash: hash}, nil
	})
}

func verifyPasswordHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VerifyPasswordRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	return unary(srv, ctx, in, methodVerifyPassword, interceptor, func(ctx context.Context, req any) (any, error) {
		r := req.(*VerifyPasswordRequest)
		ok, err := srv.(Backend).VerifyPassword(ctx, r.Password, r.Hash)
		if err != nil {
			return nil, toStatus(err)
		}
		return &VerifyPasswordResponse{Match: ok}, nil
	})
}

func encryptBiometricHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EncryptBiometricRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	return unary(srv, ctx, in, methodEncryptBiometric, interceptor, func(ctx context.Context, req any) (any, error) {
		c, err := srv.(Backend).EncryptBiometric(ctx, req.(*EncryptBiometricRequest).Vector)
		if err != nil {
			return nil, toStatus(err)
		}
		return &EncryptBiometricResponse{Ciphertext: c}, nil
	})
}

func decryptBiometricHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DecryptBiometricRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	return unary(srv, ctx, in, methodDecryptBiometric, interceptor, func(ctx context.Context, req any) (any, error) {
		v, err := srv.(Backend).DecryptBiometric(ctx, req.(*DecryptBiometricRequest).Ciphertext)
		if err != nil {
			return nil, toStatus(err)
		}
		return &DecryptBiometricResponse{Vector: v}, nil
	})
}

// toStatus maps engine errors onto gRPC codes. Messages stay generic so
// nothing about keys or hashes leaks to the caller.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, ErrProtocol):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrDecryption):
		return status.Error(codes.DataLoss, ErrDecryption.Error())
	case errors.Is(err, ErrVerification):
		return status.Error(codes.FailedPrecondition, ErrVerification.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// ServerConfig configures the privileged RPC listener.
type ServerConfig struct {
	Listen      string
	Token       string
	TLSCertFile string
	TLSKeyFile  string
}

// Server exposes a Backend over gRPC.
type Server struct {
	backend Backend
	cfg     ServerConfig
	log     *logrus.Entry
}

// NewServer creates a vault RPC server.
func NewServer(backend Backend, cfg ServerConfig) *Server {
	return &Server{backend: backend, cfg: cfg, log: logging.Component("vault")}
}

// GRPCServer builds a grpc.Server with the vault service registered.
func (s *Server) GRPCServer() (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.InTapHandle(s.authorize),
		grpc.ChainUnaryInterceptor(s.logInterceptor),
	}
	if s.cfg.TLSCertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	srv := grpc.NewServer(opts...)
	srv.RegisterService(&serviceDesc, s.backend)
	return srv, nil
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv, err := s.GRPCServer()
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Stopping vault server...")
		srv.GracefulStop()
	}()

	s.log.WithField("address", lis.Addr().String()).Info("Starting vault server")
	return srv.Serve(lis)
}

// authorize checks the service token from the stream headers, so
// unauthenticated calls are refused before their payload is read.
func (s *Server) authorize(ctx context.Context, info *tap.Info) (context.Context, error) {
	var token string
	if values := info.Header.Get("authorization"); len(values) > 0 {
		token = strings.TrimPrefix(values[0], "Bearer ")
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		s.log.WithField("method", info.FullMethodName).Warn("vault call rejected: invalid service token")
		return nil, status.Error(codes.Unauthenticated, "invalid service token")
	}
	return ctx, nil
}

func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := s.log.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"code":     status.Code(err).String(),
		"duration": time.Since(start),
	})
	if err != nil {
		entry.Warn("vault call failed")
	} else {
		entry.Debug("vault call")
	}
	return resp, err
}
