package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/compozy/flow/engine/core"
)

// -----------------------------------------------------------------------------
// Validator interface
// -----------------------------------------------------------------------------

type Validator interface {
	Validate(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// CompositeValidator
// -----------------------------------------------------------------------------

// CompositeValidator allows combining multiple validators
type CompositeValidator struct {
	validators []Validator
}

func NewCompositeValidator(validators ...Validator) *CompositeValidator {
	return &CompositeValidator{
		validators: validators,
	}
}

func (v *CompositeValidator) AddValidator(validator Validator) {
	v.validators = append(v.validators, validator)
}

func (v *CompositeValidator) Validate(ctx context.Context) error {
	for _, validator := range v.validators {
		if err := validator.Validate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// StructValidator
// -----------------------------------------------------------------------------

var (
	sharedValidate     *validator.Validate
	sharedValidateOnce sync.Once
)

func validate() *validator.Validate {
	sharedValidateOnce.Do(func() {
		sharedValidate = validator.New(validator.WithRequiredStructEnabled())
		sharedValidate.RegisterStructValidation(iterateStructLevel, core.IterateSpec{})
	})
	return sharedValidate
}

func iterateStructLevel(sl validator.StructLevel) {
	spec, ok := sl.Current().Interface().(core.IterateSpec)
	if !ok {
		return
	}
	if (spec.Times != nil) == spec.HasWith {
		sl.ReportError(spec.Times, "Times", "times", "exactly_one_of_times_with", "")
	}
}

type StructValidator struct {
	validate *validator.Validate
	value    any
}

func NewStructValidator(value any) *StructValidator {
	return &StructValidator{
		validate: validate(),
		value:    value,
	}
}

func (v *StructValidator) Validate(_ context.Context) error {
	err := v.validate.Struct(v.value)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return core.InvalidMessage("%s", err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return core.InvalidMessage("%s", strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "exactly_one_of_times_with":
		return "exactly one of times or with is required"
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// -----------------------------------------------------------------------------
// DescriptorValidator
// -----------------------------------------------------------------------------

// DescriptorValidator checks the typed contract of one operator descriptor.
type DescriptorValidator struct {
	d *core.Descriptor
}

func NewDescriptorValidator(d *core.Descriptor) *DescriptorValidator {
	return &DescriptorValidator{d: d}
}

func (v *DescriptorValidator) Validate(ctx context.Context) error {
	d := v.d
	if d == nil {
		return core.InvalidMessage("descriptor is nil")
	}
	var spec any
	var hook any
	switch d.Kind {
	case core.KindAction:
		return nil
	case core.KindSequence:
		if d.Sequence == nil {
			return core.InvalidMessage("sequence descriptor without items")
		}
		spec, hook = d.Sequence, d.Sequence.OnItem
	case core.KindParallel:
		if d.Parallel == nil {
			return core.InvalidMessage("parallel descriptor without items")
		}
		spec = d.Parallel
	case core.KindIterate:
		if d.Iterate == nil {
			return core.InvalidMessage("iterate descriptor without iterator")
		}
		spec, hook = d.Iterate, d.Iterate.OnItem
	case core.KindWaterfall:
		if d.Waterfall == nil {
			return core.InvalidMessage("waterfall descriptor without items")
		}
		spec = d.Waterfall
	case core.KindFlow:
		if d.Flow == nil {
			return core.InvalidMessage("flow descriptor without target")
		}
		spec = d.Flow
	default:
		return core.InvalidMessage("unknown descriptor kind %q", d.Kind)
	}
	if err := CheckItemHook(hook); err != nil {
		return err
	}
	if err := NewStructValidator(spec).Validate(ctx); err != nil {
		return fmt.Errorf("%s: %w", d.Kind, err)
	}
	return nil
}

// CheckItemHook accepts nil or a core.ItemHook compatible function.
func CheckItemHook(hook any) error {
	switch hook.(type) {
	case nil, core.ItemHook, func(int, any):
		return nil
	default:
		return &core.Error{
			Code:    core.CodeItemCallbackType,
			Message: fmt.Sprintf("on_item must be a function of (index, output), got %T", hook),
		}
	}
}

// ItemHookOf returns the hook as core.ItemHook. Callers validate first.
func ItemHookOf(hook any) core.ItemHook {
	switch h := hook.(type) {
	case core.ItemHook:
		return h
	case func(int, any):
		return h
	default:
		return nil
	}
}

// Validate runs the wire shape check followed by the typed contract.
func Validate(ctx context.Context, raw map[string]any, d *core.Descriptor) error {
	return NewCompositeValidator(NewShapeValidator(raw), NewDescriptorValidator(d)).Validate(ctx)
}
