package domain

import "github.com/ethereum/go-ethereum/common"

// Auction is the immutable snapshot handed to solvers: the solvable
// orders at a block together with native reference prices for every
// traded token. Prices are fixed-point U256 where 1e18 means parity with
// the native token.
type Auction struct {
	Block                 uint64                  `json:"block"`
	LatestSettlementBlock uint64                  `json:"latestSettlementBlock"`
	Orders                []*Order                `json:"orders"`
	Prices                map[common.Address]*U256 `json:"prices"`
}

// SolvableOrders is the v2 solvable_orders response shape.
type SolvableOrders struct {
	LatestSettlementBlock uint64   `json:"latestSettlementBlock"`
	Orders                []*Order `json:"orders"`
}
