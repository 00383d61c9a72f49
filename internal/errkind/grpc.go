package errkind

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FromGRPCCode maps a gRPC status code onto the taxonomy. The transient
// set matches what the vector store retries before escalating.
func FromGRPCCode(code codes.Code) Kind {
	switch code {
	case codes.OK:
		return Unknown
	case codes.Canceled:
		return Cancelled
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return Transient
	case codes.Unauthenticated, codes.PermissionDenied:
		return Auth
	case codes.NotFound:
		return NotFound
	case codes.InvalidArgument, codes.AlreadyExists, codes.FailedPrecondition, codes.OutOfRange:
		return InvalidRequest
	default:
		return Server
	}
}

// FromGRPCError classifies err by the gRPC status it carries, falling
// back to KindOf for plain errors.
func FromGRPCError(err error) Kind {
	if err == nil {
		return Unknown
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return FromGRPCCode(st.Code())
	}
	return KindOf(err)
}
