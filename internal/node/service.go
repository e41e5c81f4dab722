package node

import (
	"context"

	"google.golang.org/grpc"

	"disttx/internal/txn"
)

const (
	coordinatorService = "disttx.Coordinator"
	participantService = "disttx.Participant"
)

// Kind enumerates every RPC of the protocol.
type Kind int

const (
	KindCreate Kind = iota
	KindQuery
	KindCommit
	KindReject
	KindRemove
	KindCommitParticipant
	KindRejectParticipant
	KindPrepare
	KindParticipantCommit
	KindParticipantReject

	numKinds
)

type kindInfo struct {
	service string
	method  string
	request func() message
}

func coordinatorRequest() message { return &txn.CoordinatorRequest{} }
func notifyRequest() message      { return &txn.NotifyRequest{} }

var kinds = [numKinds]kindInfo{
	KindCreate:            {coordinatorService, "Create", coordinatorRequest},
	KindQuery:             {coordinatorService, "Query", coordinatorRequest},
	KindCommit:            {coordinatorService, "Commit", coordinatorRequest},
	KindReject:            {coordinatorService, "Reject", coordinatorRequest},
	KindRemove:            {coordinatorService, "Remove", coordinatorRequest},
	KindCommitParticipant: {coordinatorService, "CommitParticipant", coordinatorRequest},
	KindRejectParticipant: {coordinatorService, "RejectParticipant", coordinatorRequest},
	KindPrepare:           {participantService, "Prepare", func() message { return &txn.PrepareRequest{} }},
	KindParticipantCommit: {participantService, "Commit", notifyRequest},
	KindParticipantReject: {participantService, "Reject", notifyRequest},
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "Unknown"
	}
	return kinds[k].method
}

// FullMethod returns the gRPC method path, e.g. "/disttx.Coordinator/Create".
func (k Kind) FullMethod() string {
	return "/" + kinds[k].service + "/" + kinds[k].method
}

// handlerFunc serves one decoded request.
type handlerFunc func(ctx context.Context, req message) (message, error)

// handlerTable maps each kind to its handler. A nil entry is not served.
type handlerTable [numKinds]handlerFunc

// serviceDescs builds one descriptor per service that has at least one handler.
func (t *handlerTable) serviceDescs() []*grpc.ServiceDesc {
	byService := make(map[string]*grpc.ServiceDesc)
	var order []string
	for k := Kind(0); k < numKinds; k++ {
		h := t[k]
		if h == nil {
			continue
		}
		info := kinds[k]
		sd, ok := byService[info.service]
		if !ok {
			sd = &grpc.ServiceDesc{
				ServiceName: info.service,
				HandlerType: (*any)(nil),
				Metadata:    "disttx",
			}
			byService[info.service] = sd
			order = append(order, info.service)
		}
		sd.Methods = append(sd.Methods, methodDesc(k, h))
	}

	out := make([]*grpc.ServiceDesc, 0, len(order))
	for _, name := range order {
		out = append(out, byService[name])
	}
	return out
}

func methodDesc(k Kind, h handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: kinds[k].method,
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := kinds[k].request()
			if err := dec(req); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				resp, err := h(ctx, req.(message))
				if err != nil {
					return nil, txn.ToStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{FullMethod: k.FullMethod()}, call)
		},
	}
}
