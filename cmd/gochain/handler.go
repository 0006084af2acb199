package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chain"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/mempool"
	netpkg "github.com/ledgercore/chain/pkg/net"
	"github.com/ledgercore/chain/pkg/parallel"
)

// nodeHandler is the net.Handler this node installs on its transport:
// it routes parsed wire messages into the propagation layer, chain,
// and mempool, and answers the two pull-based lookups (LookupBlock,
// LookupBlockTxn) peers issue against this node's own state. A header
// triggers a fetch, a compact block either reconstructs locally or
// requests the missing transactions, and a full block goes straight
// to accept-or-buffer.
type nodeHandler struct {
	chain     *chain.Chain
	pool      *mempool.Mempool
	prop      *netpkg.Propagator
	transport *netpkg.Network
	validator *parallel.Pool
	params    *chainparams.Params
	log       zerolog.Logger
}

const fetchTimeout = 30 * time.Second

// OnHeaders schedules a fetch for any header this node does not
// already know. Fetches run in the background so a batch of headers
// does not block the stream handler that delivered them.
func (h *nodeHandler) OnHeaders(peerID string, headers *netpkg.Headers) {
	for _, hdr := range headers.Headers {
		hash := hdr.Hash()
		if h.chain.HaveBlock(hash) {
			continue
		}
		go func(hash [32]byte) {
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			if err := h.prop.HandleUnknownHeader(ctx, hash); err != nil {
				h.log.Debug().Str("peer", peerID).Err(err).Msg("header-triggered fetch failed")
			}
		}(hash)
	}
}

// OnCompactBlock attempts to reconstruct the announced block entirely
// from the local mempool; any short ids that miss are requested from
// the announcing peer via GetBlockTxn before the block is handed to
// the propagator.
func (h *nodeHandler) OnCompactBlock(peerID string, cb *netpkg.CompactBlock) {
	if h.chain.HaveBlock(cb.Header.Hash()) {
		return
	}
	full, missing := netpkg.ReconstructCompactBlock(cb, h.pool.All())
	if len(missing) == 0 {
		if err := h.prop.HandleReceivedBlock(full, time.Now()); err != nil {
			h.log.Debug().Str("peer", peerID).Err(err).Msg("compact block rejected")
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		req := &netpkg.GetBlockTxn{BlockHash: cb.Header.Hash(), Indexes: missing}
		filled, err := h.transport.RequestBlockTxn(ctx, peerID, req)
		if err != nil {
			h.log.Debug().Str("peer", peerID).Err(err).Msg("get-block-txn request failed")
			return
		}
		reconstructed, err := netpkg.FillCompactBlock(cb, h.pool.All(), filled)
		if err != nil {
			h.log.Debug().Str("peer", peerID).Err(err).Msg("compact block fill failed")
			return
		}
		if err := h.prop.HandleReceivedBlock(reconstructed, time.Now()); err != nil {
			h.log.Debug().Str("peer", peerID).Err(err).Msg("reconstructed block rejected")
		}
	}()
}

// OnBlock hands an unsolicited full block (sent to a peer that did
// not advertise compact-block support, or to us by one) to the
// propagator's accept-or-buffer path.
func (h *nodeHandler) OnBlock(peerID string, bm *netpkg.BlockMessage) {
	if err := h.prop.HandleReceivedBlock(bm.Block, time.Now()); err != nil {
		h.log.Debug().Str("peer", peerID).Err(err).Msg("received block rejected")
	}
}

// OnTx admits a gossiped transaction into the mempool against the
// live UTXO set at the current tip height. Signature and script
// checks run first on the bounded validation pool so a flood of
// invalid transactions from one peer doesn't serialize behind the
// mempool lock; Accept repeats the check (the UTXO view can move
// between the two) but only for transactions that already passed.
func (h *nodeHandler) OnTx(peerID string, tm *netpkg.TxMessage) {
	h.admitTx(tm.Tx, peerID)
}

// onGossipTx is installed on the gossipsub transaction topic directly
// (flooded traffic, not per-peer attributable), reusing the same
// admission path as a unicast OnTx.
func (h *nodeHandler) onGossipTx(tx *block.Transaction) {
	h.admitTx(tx, "")
}

func (h *nodeHandler) admitTx(tx *block.Transaction, peerID string) {
	_, height := h.chain.Tip()
	utxos := h.chain.UTXOSet()

	if _, err := h.validator.ValidateStandaloneTx(tx, height, utxos, h.params); err != nil {
		h.log.Debug().Str("peer", peerID).Hex("txid", hashSlice(tx.TxID())).Err(err).Msg("transaction failed pre-admission validation")
		return
	}

	if err := h.pool.Accept(tx, height, utxos); err != nil {
		h.log.Debug().Str("peer", peerID).Hex("txid", hashSlice(tx.TxID())).Err(err).Msg("transaction rejected")
	}
}

// LookupBlock answers a peer's GetData request for a full block this
// node has.
func (h *nodeHandler) LookupBlock(hash [32]byte) (*netpkg.BlockMessage, bool) {
	b, err := h.chain.GetBlock(hash)
	if err != nil {
		return nil, false
	}
	return &netpkg.BlockMessage{Block: b}, true
}

// LookupBlockTxn answers a peer's GetBlockTxn by resolving the
// requested transaction indexes out of the full stored block.
func (h *nodeHandler) LookupBlockTxn(req *netpkg.GetBlockTxn) (*netpkg.BlockTxn, bool) {
	b, err := h.chain.GetBlock(req.BlockHash)
	if err != nil {
		return nil, false
	}
	txs := make([]*block.Transaction, 0, len(req.Indexes))
	for _, idx := range req.Indexes {
		if int(idx) >= len(b.Transactions) {
			return nil, false
		}
		txs = append(txs, b.Transactions[idx])
	}
	return &netpkg.BlockTxn{BlockHash: req.BlockHash, Transactions: txs}, true
}
