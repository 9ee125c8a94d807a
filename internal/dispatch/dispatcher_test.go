package dispatch

import (
	"context"
	"errors"
	"testing"

	"gridtrade/internal/gateway/trading"
	"gridtrade/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) PlaceOrder(ctx context.Context, payload trading.PlaceOrderPayload) (*trading.PlaceOrderResponse, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*trading.PlaceOrderResponse), args.Error(1)
}
func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	args := m.Called(ctx, orderID)
	return args.Bool(0), args.Error(1)
}
func (m *MockGateway) AdjustPosition(ctx context.Context, params map[string]any) (map[string]any, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}
func (m *MockGateway) RunStrategy(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	args := m.Called(ctx, name, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) SendText(text string) error {
	args := m.Called(text)
	return args.Error(0)
}

func TestDispatch_PlaceOrder(t *testing.T) {
	gw := new(MockGateway)
	d := NewDispatcher(gw, nil, nil)

	gw.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(p trading.PlaceOrderPayload) bool {
		return p.Direction == "BUY" && p.Quantity == 100 && p.Province == "guangdong"
	})).Return(&trading.PlaceOrderResponse{OrderID: "ord-1", Status: "ACCEPTED"}, nil)

	result, err := d.Dispatch(context.Background(), model.ActionPlaceOrder, map[string]any{
		"province": "guangdong", "direction": "BUY", "quantity": 100.0, "price_type": "MARKET",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", result["order_id"])
	gw.AssertExpectations(t)
}

func TestDispatch_PlaceOrderValidatesParams(t *testing.T) {
	d := NewDispatcher(new(MockGateway), nil, nil)

	_, err := d.Dispatch(context.Background(), model.ActionPlaceOrder, map[string]any{"quantity": 10.0}, nil)
	assert.Error(t, err)

	_, err = d.Dispatch(context.Background(), model.ActionPlaceOrder, map[string]any{"direction": "BUY"}, nil)
	assert.Error(t, err)
}

func TestDispatch_SendAlert(t *testing.T) {
	alerter := new(MockAlerter)
	d := NewDispatcher(nil, alerter, nil)

	alerter.On("SendText", "[guangdong] 价格突破").Return(nil)

	result, err := d.Dispatch(context.Background(), model.ActionSendAlert,
		map[string]any{"message": "价格突破"},
		map[string]any{"province": "guangdong"})
	require.NoError(t, err)
	assert.Equal(t, true, result["sent"])
	alerter.AssertExpectations(t)
}

func TestDispatch_CancelOrder(t *testing.T) {
	gw := new(MockGateway)
	d := NewDispatcher(gw, nil, nil)

	gw.On("CancelOrder", mock.Anything, "ord-9").Return(true, nil)

	result, err := d.Dispatch(context.Background(), model.ActionCancelOrder, map[string]any{"order_id": "ord-9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["cancelled"])
}

func TestDispatch_CollaboratorErrorPropagates(t *testing.T) {
	gw := new(MockGateway)
	d := NewDispatcher(gw, nil, nil)

	gw.On("PlaceOrder", mock.Anything, mock.Anything).Return(nil, errors.New("gateway down"))

	_, err := d.Dispatch(context.Background(), model.ActionPlaceOrder, map[string]any{
		"direction": "SELL", "quantity": 50.0,
	}, nil)
	assert.ErrorContains(t, err, "gateway down")
}

func TestDispatch_UnknownActionIsFatal(t *testing.T) {
	d := NewDispatcher(new(MockGateway), nil, nil)
	_, err := d.Dispatch(context.Background(), model.ActionType("SELF_DESTRUCT"), nil, nil)
	assert.Error(t, err)
}
