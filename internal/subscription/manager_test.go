package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wandkit/internal/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	ioService = "64a70012f6914b93a6f40968f5b648f8"
	button    = "64a7000df6914b93a6f40968f5b648f8"
	battery   = "64a70007f6914b93a6f40968f5b648f8"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Subscribe(ctx context.Context, service, char string, onNotify func([]byte)) error {
	return m.Called(ctx, service, char, onNotify).Error(0)
}

func (m *mockTransport) Unsubscribe(ctx context.Context, service, char string) error {
	return m.Called(ctx, service, char).Error(0)
}

type ManagerTestSuite struct {
	suite.Suite

	transport *mockTransport
	manager   *Manager
	ctx       context.Context
}

func (suite *ManagerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	suite.transport = &mockTransport{}
	suite.manager = NewManager(suite.transport, logger)
	suite.ctx = context.Background()
}

func (suite *ManagerTestSuite) countCalls(method, char string) int {
	n := 0
	for _, c := range suite.transport.Calls {
		if c.Method == method && c.Arguments.String(2) == char {
			n++
		}
	}
	return n
}

func (suite *ManagerTestSuite) TestSingleSubscriptionForManyHandlers() {
	// GOAL: Verify logical handlers share one physical subscription
	//
	// TEST SCENARIO: subscribe cbA → subscribe cbB → unsubscribe cbA → unsubscribe cbB

	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).Return(nil)
	suite.transport.On("Unsubscribe", mock.Anything, ioService, button).Return(nil)

	tokA, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Require().NoError(err)
	tokB, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Require().NoError(err)

	suite.Assert().Equal(1, suite.countCalls("Subscribe", button), "MUST issue exactly one physical subscribe")
	suite.Assert().True(suite.manager.IsSubscribed(ioService, button))

	suite.Require().NoError(suite.manager.Unsubscribe(suite.ctx, tokA))
	suite.Assert().Equal(0, suite.countCalls("Unsubscribe", button), "MUST NOT unsubscribe while a handler remains")

	suite.Require().NoError(suite.manager.Unsubscribe(suite.ctx, tokB))
	suite.Assert().Equal(1, suite.countCalls("Unsubscribe", button), "MUST unsubscribe when the last handler leaves")
	suite.Assert().Equal(Stats{}, suite.manager.Stats(), "empty entry MUST be removed")

	suite.Run("unknown token is ignored", func() {
		suite.Assert().NoError(suite.manager.Unsubscribe(suite.ctx, tokB))
		suite.Assert().Equal(1, suite.countCalls("Unsubscribe", button))
	})
}

func (suite *ManagerTestSuite) TestConcurrentSubscribesCoalesce() {
	// GOAL: Verify concurrent first subscribes share one in-flight physical subscribe
	//
	// TEST SCENARIO: transport blocks → 8 goroutines subscribe → transport released → one call, all succeed

	release := make(chan struct{})
	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
			errs <- err
		}()
	}

	suite.Require().Eventually(func() bool {
		return suite.manager.Stats().Handlers == callers
	}, time.Second, 5*time.Millisecond, "all handlers MUST be registered while the subscribe is in flight")
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		suite.Assert().NoError(err)
	}
	suite.Assert().Equal(1, suite.countCalls("Subscribe", button), "MUST coalesce into a single physical subscribe")
	suite.Assert().Equal(Stats{Entries: 1, Subscribed: 1, Handlers: callers}, suite.manager.Stats())
}

func (suite *ManagerTestSuite) TestNotificationFanOut() {
	// GOAL: Verify notifications reach every handler in registration order with a copied payload
	//
	// TEST SCENARIO: two handlers → transport notifies → both see data → source mutation does not leak

	var notify func([]byte)
	suite.transport.On("Subscribe", mock.Anything, ioService, battery, mock.Anything).
		Run(func(args mock.Arguments) { notify = args.Get(3).(func([]byte)) }).
		Return(nil)

	var order []string
	var seen []byte
	_, err := suite.manager.Subscribe(suite.ctx, ioService, battery, func(b []byte) {
		order = append(order, "first")
		seen = b
	})
	suite.Require().NoError(err)
	_, err = suite.manager.Subscribe(suite.ctx, ioService, battery, func([]byte) { order = append(order, "second") })
	suite.Require().NoError(err)
	suite.Require().NotNil(notify)

	src := []byte{87}
	notify(src)
	src[0] = 0

	suite.Assert().Equal([]string{"first", "second"}, order)
	suite.Assert().Equal([]byte{87}, seen, "handler MUST receive its own copy")
}

func (suite *ManagerTestSuite) TestFlagAndResubscribe() {
	// GOAL: Verify reconnect re-arms every active entry exactly once
	//
	// TEST SCENARIO: two keys subscribed → flagged after link loss → resubscribe → resubscribe again is a no-op

	suite.transport.On("Subscribe", mock.Anything, ioService, mock.Anything, mock.Anything).Return(nil)

	_, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Require().NoError(err)
	_, err = suite.manager.Subscribe(suite.ctx, ioService, battery, func([]byte) {})
	suite.Require().NoError(err)

	suite.manager.FlagAsUnsubscribed()
	suite.Assert().Equal(0, suite.manager.Stats().Subscribed, "flag MUST NOT touch the transport but clear subscribed")
	suite.Assert().Len(suite.transport.Calls, 2)

	suite.Require().NoError(suite.manager.Resubscribe(suite.ctx))
	suite.Assert().Equal(2, suite.countCalls("Subscribe", button))
	suite.Assert().Equal(2, suite.countCalls("Subscribe", battery))

	suite.Require().NoError(suite.manager.Resubscribe(suite.ctx))
	suite.Assert().Len(suite.transport.Calls, 4, "second resubscribe MUST NOT issue duplicates")

	suite.Assert().Equal(button, suite.transport.Calls[2].Arguments.String(2), "resubscribe MUST follow entry creation order")
}

func (suite *ManagerTestSuite) TestSubscribeFailure() {
	// GOAL: Verify a failed physical subscribe leaves no handler behind and can be retried
	//
	// TEST SCENARIO: transport fails → error surfaced → transport recovers → retry subscribes

	boom := errors.New("gatt error")
	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).Return(boom).Once()

	_, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Assert().ErrorIs(err, boom)
	suite.Assert().Equal(Stats{}, suite.manager.Stats(), "failed handler MUST NOT stay registered")

	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).Return(nil).Once()
	tok, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Assert().NoError(err)
	suite.Assert().False(tok.IsZero())
	suite.Assert().Equal(button, tok.Key().Characteristic)
}

func (suite *ManagerTestSuite) TestResubscribeJoinsErrors() {
	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).Return(nil).Once()
	suite.transport.On("Subscribe", mock.Anything, ioService, battery, mock.Anything).Return(nil).Once()

	_, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Require().NoError(err)
	_, err = suite.manager.Subscribe(suite.ctx, ioService, battery, func([]byte) {})
	suite.Require().NoError(err)
	suite.manager.FlagAsUnsubscribed()

	boom := errors.New("link lost")
	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).Return(boom).Once()
	suite.transport.On("Subscribe", mock.Anything, ioService, battery, mock.Anything).Return(nil).Once()

	err = suite.manager.Resubscribe(suite.ctx)
	suite.Assert().ErrorIs(err, boom)
	suite.Assert().Equal(Stats{Entries: 2, Subscribed: 1, Handlers: 2}, suite.manager.Stats(),
		"failed entry MUST keep its handler for the next resubscribe")
}

func (suite *ManagerTestSuite) TestClear() {
	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).Return(nil)

	tok, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Require().NoError(err)

	suite.Assert().True(suite.manager.Has(tok))
	suite.manager.Clear()
	suite.Assert().Equal(Stats{}, suite.manager.Stats())
	suite.Assert().False(suite.manager.Has(tok), "token issued before clear MUST NOT be live")
	suite.Assert().NoError(suite.manager.Unsubscribe(suite.ctx, tok), "stale token after clear MUST be ignored")
	suite.transport.AssertNotCalled(suite.T(), "Unsubscribe", mock.Anything, mock.Anything, mock.Anything)
}

func (suite *ManagerTestSuite) TestClearDuringInFlightSubscribe() {
	// GOAL: Verify a subscribe completing after Clear does not touch the entry that replaced it
	//
	// TEST SCENARIO: first subscribe blocks → Clear → second subscribe on the same key succeeds →
	// first subscribe released → first fails with ErrNotConnected, second entry stays subscribed

	release := make(chan struct{})
	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil).Once()
	suite.transport.On("Subscribe", mock.Anything, ioService, button, mock.Anything).Return(nil).Once()

	first := make(chan error, 1)
	go func() {
		_, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
		first <- err
	}()

	suite.Require().Eventually(func() bool {
		return suite.manager.Stats().Handlers == 1
	}, time.Second, 5*time.Millisecond, "first handler MUST be registered while its subscribe is in flight")

	suite.manager.Clear()

	tok, err := suite.manager.Subscribe(suite.ctx, ioService, button, func([]byte) {})
	suite.Require().NoError(err)

	close(release)
	select {
	case err := <-first:
		suite.Assert().ErrorIs(err, device.ErrNotConnected, "subscribe dropped by clear MUST fail")
	case <-time.After(time.Second):
		suite.Fail("first subscribe MUST return once released")
	}

	suite.Assert().Equal(Stats{Entries: 1, Subscribed: 1, Handlers: 1}, suite.manager.Stats(),
		"replacement entry MUST survive the stale completion")
	suite.Assert().True(suite.manager.Has(tok))
	suite.Assert().True(suite.manager.IsSubscribed(ioService, button))
}

func (suite *ManagerTestSuite) TestNilHandler() {
	_, err := suite.manager.Subscribe(suite.ctx, ioService, button, nil)
	suite.Assert().Error(err)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
