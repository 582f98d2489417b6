package grpcrelay

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/sos/internal/canon"
	"xdao.co/sos/internal/logging"
	"xdao.co/sos/storage"
)

// Server relays circle blobs. Blobs live in CAS; Heads maps each circle name
// to the CID most recently published for it. The relay is last-writer-wins and
// does no validation: devices run concordance on whatever they fetch.
type Server struct {
	UnimplementedRelayServer
	CAS   storage.CAS
	Heads storage.HeadStore
	Log   *logging.Logger
}

func (s *Server) logger() *logging.Logger {
	if s.Log == nil {
		return logging.Nop()
	}
	return s.Log
}

func (s *Server) ready() error {
	if s == nil || s.CAS == nil || s.Heads == nil {
		return status.Error(codes.FailedPrecondition, "relay storage not configured")
	}
	return nil
}

func (s *Server) Publish(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	name, err := circleFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty blob")
	}
	id, err := s.CAS.Put(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	if err := s.Heads.SetHead(ctx, name, id.String()); err != nil {
		s.logger().Error("set head failed", "circle", name, "cid", id.String(), "error", err)
		return nil, status.Error(codes.Internal, "set head failed")
	}
	s.logger().Debug("published", "circle", name, "cid", id.String(), "bytes", len(in.GetValue()))
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Fetch(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	name := in.GetValue()
	if canon.CheckValue(name) != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid circle name")
	}
	head, err := s.Heads.Head(ctx, name)
	if err != nil {
		return nil, mapErr(err)
	}
	b, err := storage.GetString(s.CAS, head)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	_ = ctx
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := cid.Decode(in.GetValue())
	if err != nil || !id.Defined() {
		return nil, status.Error(codes.InvalidArgument, storage.ErrInvalidCID.Error())
	}
	b, err := s.CAS.Get(id)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(b), nil
}

func circleFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.InvalidArgument, "missing "+CircleMetadataKey+" metadata")
	}
	vals := md.Get(CircleMetadataKey)
	if len(vals) != 1 || canon.CheckValue(vals[0]) != nil {
		return "", status.Error(codes.InvalidArgument, "invalid "+CircleMetadataKey+" metadata")
	}
	return vals[0], nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidCID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, storage.ErrCIDMismatch), errors.Is(err, storage.ErrImmutable):
		return status.Error(codes.DataLoss, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
