package grpcserver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"perpcore/domain/matching"
	"perpcore/domain/risk"
	"perpcore/service"
	"perpcore/staticerr"
)

const ServiceName = "perpcore.v1.Exchange"

// Server adapts the service to gRPC. It converts nothing beyond the wire
// types; validation belongs to the engines.
type Server struct {
	svc *service.Service
	log *logrus.Entry
}

func NewServer(svc *service.Service) *Server {
	return &Server{svc: svc, log: logrus.WithField("component", "grpc")}
}

// NewGRPCServer returns a grpc.Server with the exchange registered and
// call logging installed.
func NewGRPCServer(svc *service.Service, opts ...grpc.ServerOption) *grpc.Server {
	s := NewServer(svc)
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logCalls))
	g := grpc.NewServer(opts...)
	g.RegisterService(&ServiceDesc, s)
	return g
}

// -------------------- Commands --------------------

func (s *Server) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	res, err := s.svc.PlaceOrder(ctx, matching.PlaceOrder{
		Trader:    req.Trader,
		Pair:      req.Pair,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Quantity:  req.Quantity,
		Leverage:  req.Leverage,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	trades := res.Trades
	if trades == nil {
		trades = []matching.Trade{}
	}
	return &PlaceOrderResponse{Order: res.Order, Trades: trades}, nil
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderResponse, error) {
	o, err := s.svc.CancelOrder(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OrderResponse{Order: o}, nil
}

func (s *Server) OpenPosition(ctx context.Context, req *OpenPositionRequest) (*PositionResponse, error) {
	p, err := s.svc.OpenPosition(ctx, risk.OpenPosition{
		Trader:   req.Trader,
		Market:   req.Market,
		Side:     req.Side,
		Size:     req.Size,
		Leverage: req.Leverage,
		Price:    req.Price,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionResponse{Position: p}, nil
}

func (s *Server) ClosePosition(ctx context.Context, req *ClosePositionRequest) (*PositionResponse, error) {
	p, err := s.svc.ClosePosition(ctx, req.PositionID, req.Size, req.Price)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionResponse{Position: p}, nil
}

func (s *Server) UpdateLeverage(ctx context.Context, req *UpdateLeverageRequest) (*PositionResponse, error) {
	p, err := s.svc.UpdateLeverage(ctx, req.PositionID, req.Leverage)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionResponse{Position: p}, nil
}

func (s *Server) SetMarkPrice(ctx context.Context, req *SetPriceRequest) (*Ack, error) {
	if err := s.svc.SetMarkPrice(ctx, req.Market, req.Price); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{OK: true}, nil
}

func (s *Server) SetIndexPrice(ctx context.Context, req *SetPriceRequest) (*Ack, error) {
	if err := s.svc.SetIndexPrice(ctx, req.Market, req.Price); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{OK: true}, nil
}

func (s *Server) SetMarketStatus(ctx context.Context, req *SetMarketStatusRequest) (*Ack, error) {
	if err := s.svc.SetMarketStatus(ctx, req.Market, req.Status); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{OK: true}, nil
}

// -------------------- Queries --------------------

func (s *Server) GetOrderBook(ctx context.Context, req *GetOrderBookRequest) (*service.Book, error) {
	b, err := s.svc.GetOrderBook(ctx, req.Pair, req.Depth)
	if err != nil {
		return nil, toStatus(err)
	}
	return &b, nil
}

func (s *Server) GetTrades(ctx context.Context, req *GetTradesRequest) (*TradesResponse, error) {
	trades, err := s.svc.GetTrades(ctx, req.Pair, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TradesResponse{Trades: trades}, nil
}

func (s *Server) GetPosition(ctx context.Context, req *GetPositionRequest) (*PositionResponse, error) {
	p, err := s.svc.GetPosition(ctx, req.PositionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionResponse{Position: p}, nil
}

func (s *Server) GetTraderPositions(ctx context.Context, req *GetTraderPositionsRequest) (*PositionsResponse, error) {
	return &PositionsResponse{Positions: s.svc.GetTraderPositions(ctx, req.Trader)}, nil
}

func (s *Server) Health(context.Context, *HealthRequest) (*service.Health, error) {
	h := s.svc.Health()
	return &h, nil
}

// -------------------- Errors --------------------

// toStatus maps the error taxonomy onto gRPC codes. Anything outside the
// caller-facing kinds is Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch staticerr.KindOf(err) {
	case staticerr.ErrValidation:
		code = codes.InvalidArgument
	case staticerr.ErrNotFound:
		code = codes.NotFound
	case staticerr.ErrCapacity:
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	fields := logrus.Fields{
		"method":  info.FullMethod,
		"code":    status.Code(err).String(),
		"latency": time.Since(start),
	}
	if status.Code(err) == codes.Internal {
		s.log.WithFields(fields).WithError(err).Error("rpc failed")
	} else {
		s.log.WithFields(fields).Debug("rpc")
	}
	return resp, err
}

// -------------------- Service descriptor --------------------

// exchangeServer is the handler type checked at registration.
type exchangeServer interface {
	PlaceOrder(context.Context, *PlaceOrderRequest) (*PlaceOrderResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*OrderResponse, error)
	GetOrderBook(context.Context, *GetOrderBookRequest) (*service.Book, error)
	Health(context.Context, *HealthRequest) (*service.Health, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*exchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("PlaceOrder", (*Server).PlaceOrder),
		unary("CancelOrder", (*Server).CancelOrder),
		unary("GetOrderBook", (*Server).GetOrderBook),
		unary("GetTrades", (*Server).GetTrades),
		unary("OpenPosition", (*Server).OpenPosition),
		unary("ClosePosition", (*Server).ClosePosition),
		unary("UpdateLeverage", (*Server).UpdateLeverage),
		unary("GetPosition", (*Server).GetPosition),
		unary("GetTraderPositions", (*Server).GetTraderPositions),
		unary("SetMarkPrice", (*Server).SetMarkPrice),
		unary("SetIndexPrice", (*Server).SetIndexPrice),
		unary("SetMarketStatus", (*Server).SetMarketStatus),
		unary("Health", (*Server).Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpcore/v1/exchange",
}

func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, icpt grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Error(codes.InvalidArgument, errors.Wrap(err, "decode request").Error())
			}
			h := func(ctx context.Context, req any) (any, error) {
				return call(srv.(*Server), ctx, req.(*Req))
			}
			if icpt == nil {
				return h(ctx, in)
			}
			return icpt(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, h)
		},
	}
}

// FullMethod is the path clients invoke: conn.Invoke(ctx, FullMethod(m),
// req, resp, grpc.CallContentSubtype(CodecName)).
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}
