package procgroup

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/tensors"
	"github.com/gomlx/procgroup/transport"
)

// BroadcastOptions selects the broadcast source: the process RootRank and,
// within its tensor list, the index RootTensor.
type BroadcastOptions struct {
	RootRank   int
	RootTensor int
}

// Broadcast replicates the root's tensor to every buffer of every process:
// each process receives the value into ts[RootTensor] over the network and
// copies it locally into its remaining buffers (the root included, whose
// network step is a send).
//
// Tensors may all live on one accelerator device, in which case they are
// staged through pinned host memory.
func (g *Group) Broadcast(ts []*tensors.Tensor, opts BroadcastOptions) (Work, error) {
	const opName = "broadcast"
	if err := g.checkRootRank(opName, opts.RootRank); err != nil {
		return nil, err
	}
	if err := checkCollectiveInputs(opName, ts); err != nil {
		return nil, err
	}
	if opts.RootTensor < 0 || opts.RootTensor >= len(ts) {
		return nil, errors.Errorf("%s: root tensor index %d out of range [0, %d)",
			opName, opts.RootTensor, len(ts))
	}
	dev, err := tensors.CheckSamePlacement(ts)
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}

	tag := g.nextTag()
	ctx := g.contexts[0]
	var w *asyncWork
	if dev == nil {
		data, err := ts[opts.RootTensor].Bytes()
		if err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		w = newAsyncWork(opName, tag, func() error {
			if err := ctx.Broadcast(transport.BroadcastOptions{
				Root: opts.RootRank,
				Tag:  tag,
				Data: data,
			}); err != nil {
				return err
			}
			for i := range ts {
				if i == opts.RootTensor {
					continue
				}
				if err := ts[i].CopyFrom(ts[opts.RootTensor]); err != nil {
					return err
				}
			}
			return nil
		})
	} else {
		staged, err := newStagedCollective(opName, dev, ts, opts.RootTensor)
		if err != nil {
			return nil, err
		}
		w = newAsyncWork(opName, tag, func() error {
			staged.awaitStaging()
			if err := ctx.Broadcast(transport.BroadcastOptions{
				Root: opts.RootRank,
				Tag:  tag,
				Data: staged.hostBytes(),
			}); err != nil {
				return err
			}
			staged.copyBack()
			return nil
		})
		w.synchronize = staged.synchronize
	}
	if err := g.enqueue(w); err != nil {
		return nil, err
	}
	return w, nil
}
