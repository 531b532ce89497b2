// Package server は固定サイズのワーカープールでTCPコネクションを
// 受け付けるディスパッチャを提供する。
//
// 各ワーカーはaccept→セッション処理完了→acceptのループを回す。
// ワーカーはコネクションの生存期間中占有されるため、同時に処理できる
// セッション数は最大でプールサイズNに等しい。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hitoshi/taskman/internal/metrics"
)

// SessionHandler は1コネクション分のセッション処理のインターフェース。
// 実体はprotocol.Handler。
type SessionHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// Server はリスナーとワーカープールを管理するディスパッチャ。
type Server struct {
	addr     string
	poolSize int
	handler  SessionHandler
	logger   *slog.Logger
	metrics  metrics.Recorder

	ln net.Listener
	wg sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New はServerを生成する。
// poolSizeが0以下の場合はデフォルト値8を使用する。
// loggerがnilの場合はslog.Default()、recorderがnilの場合はmetrics.Nopを使用する。
func New(addr string, poolSize int, handler SessionHandler, logger *slog.Logger, recorder metrics.Recorder) *Server {
	if poolSize <= 0 {
		poolSize = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Server{
		addr:     addr,
		poolSize: poolSize,
		handler:  handler,
		logger:   logger,
		metrics:  recorder,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen はリスニングソケットを開く。Serveより先に呼ぶこと。
// アドレスに:0を指定した場合はAddrで実際のポートを取得できる。
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("listener opened",
		slog.String("addr", ln.Addr().String()),
	)
	return nil
}

// Addr はリスナーの実アドレスを返す。Listen前はnil。
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve はワーカープールを起動し、コンテキストがキャンセルされるまで
// コネクションを処理する。キャンセル後はリスナーを閉じ、
// 全ワーカーの終了を待ってから戻る。
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	for i := 0; i < s.poolSize; i++ {
		s.wg.Add(1)
		go s.acceptLoop(ctx, i)
		s.logger.Info("worker started",
			slog.Int("worker", i),
		)
	}

	<-ctx.Done()

	s.logger.Info("shutting down dispatcher...")
	if err := s.ln.Close(); err != nil {
		s.logger.Warn("failed to close listener",
			slog.String("error", err.Error()),
		)
	}
	// セッション処理中のワーカーを解放するため、生きているコネクションも閉じる
	s.closeActiveConns()
	s.wg.Wait()

	s.logger.Info("dispatcher stopped")
	return nil
}

// acceptLoop は1ワーカー分のaccept→セッション処理ループ。
// accept失敗はログに残してループを継続し、ワーカーを殺さない。
// リスナーのクローズでのみ終了する。
func (s *Server) acceptLoop(ctx context.Context, worker int) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("worker stopped",
					slog.Int("worker", worker),
				)
				return
			}
			s.metrics.RecordAcceptFailure()
			s.logger.Warn("client accept failed",
				slog.Int("worker", worker),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.metrics.RecordConnectionOpened()
		s.handleConn(ctx, conn)
		s.metrics.RecordConnectionClosed()
	}
}

// closeActiveConns は処理中の全コネクションを閉じる。シャットダウン専用。
func (s *Server) closeActiveConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// handleConn はセッション処理を実行し、コネクションを確実に閉じる。
// ハンドラーのpanicはワーカーを巻き込まず、該当コネクションだけを落とす。
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.Close()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic recovered in session",
				slog.Any("panic", rec),
				slog.String("remote_addr", conn.RemoteAddr().String()),
			)
		}
	}()

	s.handler.HandleConn(ctx, conn)
}
