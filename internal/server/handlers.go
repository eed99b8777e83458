package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/book"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// bind decodes and validates a request body.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.E(apperr.KindBadRequest, "malformed request body")
	}
	return c.Validate(v)
}

// limitParam parses ?limit= with a default and an inclusive cap.
func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, apperr.Errorf(apperr.KindBadRequest, "limit must be an integer between 1 and %d", maxLimit)
	}
	return n, nil
}

func (s *Server) health(c echo.Context) error {
	if err := s.engine.Ping(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unreachable")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) register(c echo.Context) error {
	return s.registerWithRole(c, models.RoleUser)
}

func (s *Server) registerAdmin(c echo.Context) error {
	return s.registerWithRole(c, models.RoleAdmin)
}

func (s *Server) registerWithRole(c echo.Context, role models.Role) error {
	var req models.RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	user, err := s.engine.RegisterUser(c.Request().Context(), req.Name, role)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NewUserOut(user))
}

func (s *Server) listInstruments(c echo.Context) error {
	instruments, err := s.engine.ListInstruments(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]models.InstrumentOut, 0, len(instruments))
	for _, in := range instruments {
		out = append(out, models.InstrumentOut{Ticker: in.Ticker, Name: in.Name})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) orderBook(c echo.Context) error {
	depth, err := limitParam(c)
	if err != nil {
		return err
	}
	bids, asks, err := s.engine.OrderBookSnapshot(c.Request().Context(), c.Param("ticker"), depth)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.OrderBookOut{Bids: toLevels(bids), Asks: toLevels(asks)})
}

// toLevels converts book levels to their integer API shape.
func toLevels(levels []book.Level) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, models.BookLevel{Price: lvl.Price.IntPart(), Quantity: lvl.Qty.IntPart()})
	}
	return out
}

func (s *Server) transactions(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	trades, err := s.engine.Transactions(c.Request().Context(), c.Param("ticker"), limit)
	if err != nil {
		return err
	}
	out := make([]models.TransactionOut, 0, len(trades))
	for i := range trades {
		out = append(out, models.NewTransactionOut(&trades[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) me(c echo.Context) error {
	return c.JSON(http.StatusOK, models.NewUserOut(currentUser(c)))
}

func (s *Server) balances(c echo.Context) error {
	balances, err := s.engine.Balances(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return err
	}
	out := make(map[string]int64, len(balances))
	for ticker, amount := range balances {
		out[ticker] = amount.IntPart()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createOrder(c echo.Context) error {
	var req models.OrderIn
	if err := bind(c, &req); err != nil {
		return err
	}
	order, err := s.engine.PlaceOrder(c.Request().Context(), currentUser(c).ID, &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NewOrderOut(order))
}

func (s *Server) listOrders(c echo.Context) error {
	orders, err := s.engine.Orders(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return err
	}
	out := make([]models.OrderOut, 0, len(orders))
	for i := range orders {
		out = append(out, models.NewOrderOut(&orders[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getOrder(c echo.Context) error {
	order, err := s.engine.Order(c.Request().Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NewOrderOut(order))
}

func (s *Server) cancelOrder(c echo.Context) error {
	if _, err := s.engine.CancelOrder(c.Request().Context(), currentUser(c).ID, c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NewOk())
}

func (s *Server) createInstrument(c echo.Context) error {
	var req models.InstrumentIn
	if err := bind(c, &req); err != nil {
		return err
	}
	if _, err := s.engine.CreateInstrument(c.Request().Context(), &req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NewOk())
}

func (s *Server) deleteInstrument(c echo.Context) error {
	if err := s.engine.DeleteInstrument(c.Request().Context(), c.Param("ticker")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NewOk())
}

func (s *Server) deleteUser(c echo.Context) error {
	user, err := s.engine.DeleteUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	s.keys.Delete(user.APIKey)
	return c.JSON(http.StatusOK, models.NewUserOut(user))
}

func (s *Server) deposit(c echo.Context) error {
	return s.adjustBalance(c, s.engine.Deposit)
}

func (s *Server) withdraw(c echo.Context) error {
	return s.adjustBalance(c, s.engine.Withdraw)
}

func (s *Server) adjustBalance(c echo.Context, op func(context.Context, string, string, int64) error) error {
	var req models.BalanceOperation
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := op(c.Request().Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NewOk())
}
