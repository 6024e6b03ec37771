package hyperliquid

import "fmt"

// Session 表示一次批量执行共享的签名会话。每次管线调用构造一个新会话，
// 会话内所有并发提交共享同一个序号来源；序号分配由 Client 内的原子计数器
// 保证严格递增，不依赖任何定时交错。
type Session struct {
	client *Client
	wallet string
}

// NewSession 基于当前签名身份创建会话。
func (c *Client) NewSession() *Session {
	return &Session{
		client: c,
		wallet: c.cfg.Wallet,
	}
}

// Wallet 返回签名身份地址。
func (s *Session) Wallet() string {
	return s.wallet
}

// NextNonce 分配下一个序号。同一签名身份下的并发会话共享计数器，
// 因此跨管线并发提交也不会出现序号碰撞。
func (s *Session) NextNonce() int64 {
	return s.client.nonce.Add(1)
}

// clientOrderID 把序号编码成交易所要求的 128 位十六进制客户端订单号。
func clientOrderID(nonce int64) string {
	return fmt.Sprintf("0x%032x", nonce)
}
