package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/descwallet/policy"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// errFeeChoice is returned when both or neither of an absolute fee and a fee
// rate are given.
var errFeeChoice = errors.New("give exactly one of --fee and --feerate")

// parseOutput parses a recipient of the form ADDRESS:SATOSHIS. The amount may
// be left out for the drain output of a sweep.
func parseOutput(text string, sweep bool) (wallet.Output, error) {
	addr, amountText, ok := strings.Cut(strings.TrimSpace(text), ":")
	if addr == "" || (!ok && !sweep) {
		return wallet.Output{}, fmt.Errorf("invalid output %q, "+
			"expected address:satoshis", text)
	}

	out := wallet.Output{Address: addr}
	if !ok {
		return out, nil
	}

	amount, err := strconv.ParseInt(amountText, 10, 64)
	if err != nil {
		return wallet.Output{}, fmt.Errorf("invalid amount in %q: %w",
			text, err)
	}
	out.Amount = btcutil.Amount(amount)

	return out, nil
}

//nolint:lll
type buildCommand struct {
	To      []string `long:"to" description:"Recipient as address:satoshis, may be repeated" required:"true"`
	Fee     int64    `long:"fee" description:"Absolute fee in satoshis"`
	FeeRate float64  `long:"feerate" description:"Fee rate in sat/vB"`
	Policy  string   `long:"policy" description:"Spending branches as ID:0,1;ID2:1, see the policy command"`
	Sweep   bool     `long:"sweep" description:"Spend every coin and send the rest to the first recipient"`

	cfg *config
}

func newBuildCommand(cfg *config) *buildCommand {
	return &buildCommand{cfg: cfg}
}

func (x *buildCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"build",
		"Build an unsigned PSBT",
		"Build a PSBT paying the recipients from the wallet's coins, "+
			"with change back to the wallet",
		x,
	)
	return err
}

func (x *buildCommand) Execute(_ []string) error {
	if (x.Fee != 0) == (x.FeeRate != 0) {
		return errFeeChoice
	}

	outputs := make([]wallet.Output, 0, len(x.To))
	for i, to := range x.To {
		out, err := parseOutput(to, x.Sweep && i == 0)
		if err != nil {
			return err
		}
		outputs = append(outputs, out)
	}

	path := fn.None[policy.Path]()
	if x.Policy != "" {
		p, err := policy.ParsePath(x.Policy)
		if err != nil {
			return err
		}
		path = fn.Some(p)
	}

	w, cleanup, err := x.cfg.openWallet(false)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	build := func(fee btcutil.Amount) (string, error) {
		packet, err := w.Build(ctx, outputs, fee, path, x.Sweep)
		if err != nil {
			return "", err
		}

		return wallet.EncodePSBT(packet)
	}

	fee := btcutil.Amount(x.Fee)
	if x.FeeRate != 0 {
		fee, err = x.feeForRate(build)
		if err != nil {
			return err
		}
	}

	b64, err := build(fee)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, b64)

	return err
}

// feeForRate sizes a draft transaction paying no fee and returns the fee the
// rate asks for at its signed weight.
func (x *buildCommand) feeForRate(
	build func(btcutil.Amount) (string, error)) (btcutil.Amount, error) {

	draft, err := build(0)
	if err != nil {
		return 0, err
	}

	weight, err := wallet.Weight(x.cfg.Descriptor, draft)
	if err != nil {
		return 0, err
	}

	fee := wallet.FeeRateToAbsolute(x.FeeRate, weight)
	log.Debugf("Fee rate %v sat/vB at weight %d is %v", x.FeeRate,
		weight, fee)

	return fee, nil
}

//nolint:lll
type bumpCommand struct {
	Fee int64 `long:"fee" description:"New absolute fee in satoshis" required:"true"`

	Args struct {
		TxID string `positional-arg-name:"txid" required:"true"`
	} `positional-args:"yes"`

	cfg *config
}

func newBumpCommand(cfg *config) *bumpCommand {
	return &bumpCommand{cfg: cfg}
}

func (x *bumpCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"bump",
		"Build a fee bump of an unconfirmed transaction",
		"Build an unsigned PSBT replacing the given unconfirmed "+
			"transaction with a higher fee",
		x,
	)
	return err
}

func (x *bumpCommand) Execute(_ []string) error {
	txid, err := chainhash.NewHashFromStr(x.Args.TxID)
	if err != nil {
		return fmt.Errorf("invalid txid: %w", err)
	}

	w, cleanup, err := x.cfg.openWallet(true)
	if err != nil {
		return err
	}
	defer cleanup()

	packet, err := w.BuildFeeBump(
		context.Background(), *txid, btcutil.Amount(x.Fee),
	)
	if err != nil {
		return err
	}

	b64, err := wallet.EncodePSBT(packet)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, b64)

	return err
}

type signCommand struct {
	cfg *config
}

func newSignCommand(cfg *config) *signCommand {
	return &signCommand{cfg: cfg}
}

func (x *signCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"sign",
		"Sign a PSBT",
		"Sign the PSBT given as argument or on stdin with the private "+
			"keys of the descriptor and finalize what can be "+
			"finalized",
		x,
	)
	return err
}

type signResult struct {
	PSBT     string `json:"psbt"`
	Complete bool   `json:"complete"`
}

func (x *signCommand) Execute(args []string) error {
	packet, err := readPacket(args)
	if err != nil {
		return err
	}

	w, err := x.cfg.offlineWallet()
	if err != nil {
		return err
	}

	signed, complete, err := w.Sign(packet)
	if err != nil {
		return err
	}

	b64, err := wallet.EncodePSBT(signed)
	if err != nil {
		return err
	}

	return printJSON(&signResult{PSBT: b64, Complete: complete})
}

type decodeCommand struct {
	cfg *config
}

func newDecodeCommand(cfg *config) *decodeCommand {
	return &decodeCommand{cfg: cfg}
}

func (x *decodeCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"decode",
		"List the outputs of a PSBT",
		"List the outputs of the PSBT given as argument or on stdin "+
			"with their addresses, followed by the miner fee. "+
			"Addresses use the network of the descriptor if "+
			"one is set and --network otherwise",
		x,
	)
	return err
}

type decodedResult struct {
	To    string `json:"to"`
	Value int64  `json:"value"`
}

func (x *decodeCommand) Execute(args []string) error {
	b64, err := argOrStdin(args, "psbt")
	if err != nil {
		return err
	}

	params, err := x.network()
	if err != nil {
		return err
	}

	outputs, err := wallet.Decode(params, b64)
	if err != nil {
		return err
	}

	results := make([]*decodedResult, 0, len(outputs))
	for _, out := range outputs {
		results = append(results, &decodedResult{
			To:    out.To,
			Value: int64(out.Value),
		})
	}

	return printJSON(results)
}

func (x *decodeCommand) network() (*chaincfg.Params, error) {
	if x.cfg.Descriptor == "" {
		return x.cfg.params()
	}

	w, err := x.cfg.offlineWallet()
	if err != nil {
		return nil, err
	}

	return w.Params(), nil
}

type weightCommand struct {
	cfg *config
}

func newWeightCommand(cfg *config) *weightCommand {
	return &weightCommand{cfg: cfg}
}

func (x *weightCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"weight",
		"Estimate the signed weight of a PSBT",
		"Estimate the weight the PSBT given as argument or on stdin "+
			"will have once every input is signed for the "+
			"descriptor",
		x,
	)
	return err
}

func (x *weightCommand) Execute(args []string) error {
	if x.cfg.Descriptor == "" {
		return errNoDescriptor
	}

	b64, err := argOrStdin(args, "psbt")
	if err != nil {
		return err
	}

	weight, err := wallet.Weight(x.cfg.Descriptor, b64)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, weight)

	return err
}

type broadcastCommand struct {
	cfg *config
}

func newBroadcastCommand(cfg *config) *broadcastCommand {
	return &broadcastCommand{cfg: cfg}
}

func (x *broadcastCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"broadcast",
		"Publish a finalized PSBT",
		"Extract the transaction of the finalized PSBT given as "+
			"argument or on stdin and publish it through the "+
			"backend",
		x,
	)
	return err
}

func (x *broadcastCommand) Execute(args []string) error {
	packet, err := readPacket(args)
	if err != nil {
		return err
	}

	w, cleanup, err := x.cfg.openWallet(true)
	if err != nil {
		return err
	}
	defer cleanup()

	txid, err := w.Broadcast(context.Background(), packet)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, txid)

	return err
}

// readPacket decodes the PSBT given as argument or on stdin.
func readPacket(args []string) (*psbt.Packet, error) {
	b64, err := argOrStdin(args, "psbt")
	if err != nil {
		return nil, err
	}

	return wallet.DecodePSBT(b64)
}
