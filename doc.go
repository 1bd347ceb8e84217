// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package goidtable collects three small, independently usable concurrency
// primitives meant to back the object tables of a larger runtime:
//
//   - rwlock.FastRwLock: a reader/writer word whose uncontended path is one
//     atomic compare-and-swap.
//   - idtable.Table (DynamicIndexTable): a grow-only radix tree mapping dense 64-bit
//     identifiers to stably-addressed slots.
//   - freelist.SlotFreeList: a striped, concurrent free-list allocator layered
//     on top of a table.
//
// A typical deployment wires them bottom-up: a freelist.Family supplies an
// idtable.Table with leaf construction and free-list stealing, one or more
// freelist.SlotFreeList instances borrow identifier stripes from that table
// (optionally through a parent list that arbitrates stripes between
// siblings), and rwlock.FastRwLock guards the table's own per-node and
// table-wide growth sections internally. None of the three packages import
// the others' test files or expose package-private state across the import
// boundary; idtable depends on rwlock, freelist depends on both.
package goidtable
