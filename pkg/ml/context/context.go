// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the variables
// (the weights of a model) and the hyperparameters used to build and train a model.
package context

import (
	"encoding"
	"fmt"
	"iter"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/internal/scoped"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context/initializers"
	"github.com/pkg/errors"
)

// VariableInitializer builds the initial value of a variable of the given shape.
type VariableInitializer = initializers.VariableInitializer

// Context holds the state shared by the training, evaluation and prediction graphs of a model:
// its variables (the weights) and its hyperparameters ("params").
//
// Both live in a tree of scopes, like files in directories. A Context value is just a scope plus a
// pointer to the shared data, so Context.In("sub") is cheap and sees the same variables:
//
//	ctx := context.New()
//	ctx.SetParam("dropout", 0.2)  // Default dropout for all layers.
//	...
//	{
//		ctx := ctx.In("dense")  // Same data, different scope.
//		ctx.SetParam("dropout", 0.0)  // No dropout on the output layer only.
//		logits = layers.NewDense(ctx, dimIn, numClasses).Done().Apply(g, x)
//	}
//
// Contexts are Checked by default: creating a variable that already exists panics, unless the context is
// marked with Reuse, in which case asking for a missing variable panics instead. Values coming from a
// Loader count as new the first time they are asked for.
//
// A Context is not safe for concurrent use.
type Context struct {
	scope          string
	reuse, checked bool
	initializer    VariableInitializer
	data           *contextData
}

// contextData is shared by all the Context values derived from the same New.
type contextData struct {
	params *scoped.Params

	// variablesMap indexes variables by scope and then name.
	variablesMap map[string]map[string]*Variable

	// variables in creation order.
	variables []*Variable

	loader Loader
	rng    *rand.Rand
}

// Loader provides previously saved values of variables, see checkpoints.Handler.
type Loader interface {
	// LoadVariable returns the saved value of scope/name, if there is one. Otherwise the variable is
	// initialized as usual. The Context takes ownership of the returned value, and asks at most once.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)

	// DeleteVariable drops any saved value of scope/name, so a deleted variable is not loaded again.
	DeleteVariable(ctx *Context, scope, name string) error
}

const (
	// ScopeSeparator joins the elements of a scope path. It can't be used within an element.
	ScopeSeparator = "/"

	RootScope = ScopeSeparator
)

// New creates an empty Context at the root scope. Variables are initialized with
// initializers.GlorotUniform, using a randomly seeded generator (see Context.SetRandomSeed).
func New() *Context {
	return &Context{
		scope:       RootScope,
		checked:     true,
		initializer: initializers.GlorotUniform,
		data: &contextData{
			params:       scoped.New(ScopeSeparator),
			variablesMap: make(map[string]map[string]*Variable),
			rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		},
	}
}

// SetRandomSeed resets the random number generator used by the variable initializers.
func (ctx *Context) SetRandomSeed(seed uint64) {
	ctx.data.rng = rand.New(rand.NewPCG(seed, seed+1))
}

// RandomSource returns the random number generator shared by the context.
func (ctx *Context) RandomSource() *rand.Rand {
	return ctx.data.rng
}

func (ctx *Context) copy() *Context {
	ctx2 := *ctx
	return &ctx2
}

// JoinScope returns the full path of name under scope.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	if scope == "" {
		return name
	}
	return scope + ScopeSeparator + name
}

// SplitScope is the inverse of JoinScope. A name without a leading separator has scope "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	idx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[idx+1:]
	if idx == 0 {
		return RootScope, name
	}
	return scopeAndName[:idx], name
}

// Scope returns the absolute scope path of ctx.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// In returns ctx moved into the sub-scope. The element can't be empty or contain ScopeSeparator.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// Inf is In with a fmt.Sprintf formatted scope, e.g. ctx.Inf("layer_%d", ii).
func (ctx *Context) Inf(format string, args ...any) *Context {
	return ctx.In(fmt.Sprintf(format, args...))
}

// InAbsPath returns ctx moved to scopePath, which must start with ScopeSeparator.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns ctx marked to only use existing (or loaded) variables.
func (ctx *Context) Reuse() *Context {
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// Unique returns ctx marked to only create new variables. This is the default.
func (ctx *Context) Unique() *Context {
	if !ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = false
	return ctx2
}

// IsReuse reports the Reuse mark, only meaningful for checked contexts.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked turns the Reuse/Unique checks on or off. The optimizers use Checked(false) for their state,
// which is created on first use and reused afterwards.
func (ctx *Context) Checked(checked bool) *Context {
	if ctx.checked == checked {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked reports whether variable creation is checked.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns ctx using initializer for the variables it creates.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam looks key up in the current scope, and then in each parent up to the root.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam returns the param key as a T, and panics if it is missing or not convertible.
// Numbers convert between numeric types, and strings are parsed into encoding.TextUnmarshaler types.
func MustGetParam[T any](ctx *Context, key string) T {
	var t T
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	if value, ok := valueAny.(T); ok {
		return value
	}

	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	ptrT := reflect.New(typeOfT)
	if ptrT.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := ptrT.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			panic(errors.Wrapf(err, "can't parse parameter %q=%q as %s", key, v.String(), typeOfT))
		}
		return ptrT.Elem().Interface().(T)
	}
	if !v.IsValid() || !v.CanConvert(typeOfT) {
		exceptions.Panicf("MustGetParam/GetParamOr[%T](ctx, %q): ctx(scope=%q)[%q]=(%T) %#v cannot be converted to %T",
			t, key, ctx.Scope(), key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr is MustGetParam, but returns defaultValue if key is missing or nil.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return MustGetParam[T](ctx, key)
}

// SetParam sets key for the current scope and its sub-scopes. Checkpoints store params as JSON, so keep
// to numbers, strings, bools and slices of them.
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams calls SetParam for each entry.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.SetParam(key, value)
	}
}

// EnumerateParams calls fn for every param of every scope, ordered by scope and key.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// GetVariableByScopeAndName returns the variable, asking the Loader for it if it wasn't created yet.
// It returns nil if there is no such variable. Reuse checks don't apply.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	if v, found := ctx.data.variablesMap[scope][name]; found {
		return v
	}
	loader := ctx.data.loader
	if loader == nil {
		return nil
	}
	value, found := loader.LoadVariable(ctx, scope, name)
	if !found {
		return nil
	}
	v := &Variable{
		ctx:        ctx,
		name:       name,
		scope:      scope,
		shape:      value.Shape(),
		value:      value,
		Trainable:  true,
		fromLoader: true,
	}
	ctx.InAbsPath(scope).setVariableInScope(name, v)
	return v
}

// GetVariable is GetVariableByScopeAndName for the current scope.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

func (ctx *Context) setVariableInScope(name string, v *Variable) {
	if ctx.data.variablesMap[ctx.scope] == nil {
		ctx.data.variablesMap[ctx.scope] = make(map[string]*Variable)
	}
	ctx.data.variablesMap[ctx.scope][name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// DeleteVariable removes scope/name from the context and from its Loader. Missing variables are ignored.
func (ctx *Context) DeleteVariable(scope, name string) error {
	if loader := ctx.data.loader; loader != nil {
		if err := loader.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	v := ctx.data.variablesMap[scope][name]
	if v == nil {
		return nil
	}
	v.value = nil
	delete(ctx.data.variablesMap[scope], name)
	ctx.data.variables = slices.DeleteFunc(ctx.data.variables, func(candidate *Variable) bool { return candidate == v })
	return nil
}

// checkReuse panics if the reuse rules are broken. Variables freshly provided by the loader
// (and not yet requested) don't count as existing for Unique contexts.
func (ctx *Context) checkReuse(name string, v *Variable) {
	if !ctx.checked {
		return
	}
	exists := v != nil
	if ctx.reuse && !exists {
		exceptions.Panicf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist",
			name, ctx.scope)
	}
	if !ctx.reuse && exists && !v.fromLoader {
		exceptions.Panicf("variable %q for scope %q already exists -- if this was deliberate, use Context.Reuse() "+
			"or Context.Checked(false)", name, ctx.scope)
	}
}

// VariableWithShape returns the trainable variable name of the current scope. A new one takes its value
// from the Loader, or else from the initializer. It panics on a shape mismatch or a failed reuse check.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	v := ctx.GetVariable(name)
	ctx.checkReuse(name, v)
	if v != nil {
		if !shape.Equal(v.shape) {
			shapes.Panicf("requested to reuse variable %q in scope %q, but with different shape from original: "+
				"previous shape=%s, requested shape=%s", name, ctx.scope, v.shape, shape)
		}
		v.fromLoader = false
		return v
	}
	v = &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     shape,
		value:     ctx.initializer(ctx.data.rng, shape),
		Trainable: true,
	}
	ctx.setVariableInScope(name, v)
	return v
}

// VariableWithValue is like VariableWithShape, but a new variable without loaded value takes value.
// Existing or loaded values are kept.
func (ctx *Context) VariableWithValue(name string, value *tensors.Tensor) *Variable {
	v := ctx.GetVariable(name)
	ctx.checkReuse(name, v)
	if v != nil {
		if !value.Shape().Equal(v.shape) {
			shapes.Panicf("requested to reuse variable %q in scope %q, but with value with different shape from "+
				"original: previous shape=%s, requested value shape=%s", name, ctx.scope, v.shape, value.Shape())
		}
		v.fromLoader = false
		return v
	}
	v = &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     value.Shape(),
		value:     value,
		Trainable: true,
	}
	ctx.setVariableInScope(name, v)
	return v
}

// IterVariables yields every variable, in creation order.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	return slices.Values(ctx.data.variables)
}

// IterVariablesInScope yields the variables of the current scope and its sub-scopes.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	baseScope := ctx.scope
	prefix := baseScope + ScopeSeparator
	if baseScope == RootScope {
		prefix = baseScope
	}
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if v.scope == baseScope || strings.HasPrefix(v.scope, prefix) {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// NumVariables is the number of variables created or loaded so far.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters is the total number of scalars in the variables.
func (ctx *Context) NumParameters() int {
	total := 0
	for v := range ctx.IterVariables() {
		total += v.shape.Size()
	}
	return total
}

// Memory is the total size in bytes of the variables.
func (ctx *Context) Memory() uintptr {
	total := uintptr(0)
	for v := range ctx.IterVariables() {
		total += v.shape.Memory()
	}
	return total
}

// Loader returns the Loader installed with SetLoader, or nil.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader installs loader, replacing the previous one. It is asked for each variable on first access, and
// its values win over initializers and values given to VariableWithValue. Wrapping loaders should keep a
// reference to the previous one.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}
