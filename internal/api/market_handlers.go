package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketSource produces market snapshots.
type MarketSource interface {
	Snapshot(ctx context.Context, symbol string) (*data.MarketSnapshot, error)
}

// VolatilityHistory reports the volatility readings recorded per symbol.
type VolatilityHistory interface {
	History(symbol string) []float64
}

// PositionSizer sizes a hypothetical trade with the current risk parameters.
type PositionSizer interface {
	SizePosition(req risk.SizingRequest) (*risk.PositionSize, error)
}

func (s *Server) registerMarketRoutes(r *mux.Router) {
	r.HandleFunc("/market/{symbol}", s.handleMarketSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/market/{symbol}/volatility", s.handleVolatilityHistory).Methods(http.MethodGet)
	r.HandleFunc("/risk/size", s.handleSizePosition).Methods(http.MethodPost)
}

// MarketSnapshotResponse is the snapshot plus the latest volatility reading.
type MarketSnapshotResponse struct {
	*data.MarketSnapshot
	Volatility *float64 `json:"volatility,omitempty"`
}

func (s *Server) handleMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		s.unavailable(w, "market data")
		return
	}
	symbol := types.NormalizeSymbol(mux.Vars(r)["symbol"])
	snap, err := s.deps.Market.Snapshot(r.Context(), symbol)
	if errors.Is(err, data.ErrNoData) {
		s.writeError(w, http.StatusNotFound, "no market data for "+symbol)
		return
	}
	if err != nil {
		s.logger.Warn("Failed to load market snapshot", zap.String("symbol", symbol), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "failed to load market data")
		return
	}

	resp := MarketSnapshotResponse{MarketSnapshot: snap}
	if s.deps.Volatility != nil {
		if h := s.deps.Volatility.History(symbol); len(h) > 0 {
			last := h[len(h)-1]
			resp.Volatility = &last
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVolatilityHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Volatility == nil {
		s.unavailable(w, "volatility classifier")
		return
	}
	symbol := types.NormalizeSymbol(mux.Vars(r)["symbol"])
	history := s.deps.Volatility.History(symbol)
	if limit := queryLimit(r, len(history)); limit < len(history) {
		history = history[len(history)-limit:]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"history": history,
		"count":   len(history),
	})
}

// SizeRequest asks for the position size of a hypothetical trade.
type SizeRequest struct {
	Symbol         string          `json:"symbol"`
	Side           types.OrderSide `json:"side"`
	Price          decimal.Decimal `json:"price"`
	StopLoss       decimal.Decimal `json:"stopLoss"`
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
}

func (s *Server) handleSizePosition(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sizer == nil {
		s.unavailable(w, "risk gateway")
		return
	}
	var req SizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		s.writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}

	size, err := s.deps.Sizer.SizePosition(risk.SizingRequest{
		Symbol:         types.NormalizeSymbol(req.Symbol),
		Side:           req.Side,
		Price:          req.Price,
		StopLossPrice:  req.StopLoss,
		PortfolioValue: req.PortfolioValue,
	})
	var riskErr *risk.RiskError
	if errors.As(err, &riskErr) {
		s.writeError(w, http.StatusUnprocessableEntity, riskErr.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, size)
}
