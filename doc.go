// Package cmdq is the GPU command submission and resource lifetime layer
// beneath a real-time renderer.
//
// # Overview
//
// A [Device] owns three hardware queues (graphics, compute, copy), the
// device-wide resource state table and the descriptor and upload memory
// pools. Rendering code records work into a [CommandList] acquired from a
// [Queue] and submits it. The queue inserts the barriers that bring every
// resource into the state the recorded work expects, signals a fence value,
// and recycles the list once the GPU has finished with it.
//
// # Quick Start
//
//	dev, err := cmdq.Open(halDevice, halQueue)
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	gfx := dev.Queue(cmdq.QueueGraphics)
//	l := gfx.Acquire()
//	l.UploadBuffer(vertices, 0, data)
//	l.Transition(vertices, state.VertexBuffer)
//	fence := gfx.Submit(l)
//	_ = gfx.Wait(ctx, fence)
//
// # Resource States
//
// Each list tracks the states it moves resources through. When the list
// already knows a resource's state the barrier is recorded inline. When it
// does not, the barrier is left pending and resolved at submission against
// the state the previously submitted work left the resource in. Resolved
// barriers go into a small auxiliary list submitted just before the list.
//
// # Cross-Queue Work
//
// [Queue.WaitFor] makes later work on one queue wait on the GPU for
// everything already submitted to another. No goroutine blocks.
//
// # Transient Memory
//
// Upload memory ([CommandList.AllocateUpload]) and shader-visible descriptor
// tables ([CommandList.StageDescriptors]) are bump-allocated from pages that
// return to shared pools when the list is reclaimed.
//
// # Architecture
//
// The package is organized into:
//   - cmdq: Device, Queue, CommandList, Resource
//   - state: resource states, state table, per-list tracker
//   - descriptor: persistent allocator, dynamic heap, page pools
//   - layout: pipeline layouts, WGSL reflection
//   - hw: hardware timelines (HAL and software)
package cmdq
