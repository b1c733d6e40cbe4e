package procgroup

import (
	"github.com/gomlx/procgroup/tensors"
)

// Point-to-point transfers operate on exactly one dense, contiguous,
// host-resident tensor and a caller-chosen non-negative tag. They are not
// dispatched through the worker pool: the transfer is posted on the
// transport immediately and the handle's Wait blocks the caller on it.

// Send posts an asynchronous send of t to dstRank under tag. The returned
// handle's Wait blocks until the peer received the data (or the transfer
// failed).
func (g *Group) Send(t *tensors.Tensor, dstRank, tag int) (Work, error) {
	const opName = "send"
	if err := g.checkPeerRank(opName, dstRank); err != nil {
		return nil, err
	}
	if err := checkUserTag(opName, tag); err != nil {
		return nil, err
	}
	if err := checkSingleHostTensor(opName, t); err != nil {
		return nil, err
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	buf := g.contexts[0].CreateUnboundBuffer(data)
	buf.Send(dstRank, uint32(tag))
	return &p2pWork{
		opName: opName,
		await: func() (int, error) {
			return -1, buf.WaitSend()
		},
	}, nil
}

// Recv posts an asynchronous receive into t of a message sent by srcRank
// under tag.
func (g *Group) Recv(t *tensors.Tensor, srcRank, tag int) (Work, error) {
	const opName = "recv"
	if err := g.checkPeerRank(opName, srcRank); err != nil {
		return nil, err
	}
	if err := checkUserTag(opName, tag); err != nil {
		return nil, err
	}
	if err := checkSingleHostTensor(opName, t); err != nil {
		return nil, err
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	buf := g.contexts[0].CreateUnboundBuffer(data)
	buf.Recv([]int{srcRank}, uint32(tag))
	return &p2pWork{opName: opName, await: buf.WaitRecv}, nil
}

// RecvAnySource posts an asynchronous receive into t accepting a message
// with the given tag from any rank in the group. The sending rank is
// reported by the handle's SourceRank after completion.
func (g *Group) RecvAnySource(t *tensors.Tensor, tag int) (RecvWork, error) {
	const opName = "recv-any-source"
	if err := checkUserTag(opName, tag); err != nil {
		return nil, err
	}
	if err := checkSingleHostTensor(opName, t); err != nil {
		return nil, err
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	srcRanks := make([]int, g.size)
	for r := range srcRanks {
		srcRanks[r] = r
	}
	buf := g.contexts[0].CreateUnboundBuffer(data)
	buf.Recv(srcRanks, uint32(tag))
	return &p2pWork{opName: opName, await: buf.WaitRecv}, nil
}
