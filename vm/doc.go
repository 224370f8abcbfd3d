// Package vm implements the Fugue virtual machine core: the value and type
// model, lexical scopes and activations, the operand stack, the operation
// tree, the two-pass bytecode loader and its inverse serializer, the
// execution engine, and the task/mailbox/future concurrency runtime.
//
// A host embeds the VM by constructing a Program, registering any extension
// libraries the image names, loading a bytecode image into it with
// LoadProgram, and calling Program.Execute. Execution runs the global
// initialization block and then invokes the function named "entrypoint".
package vm
